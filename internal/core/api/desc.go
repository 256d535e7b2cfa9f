package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dealbrain/dealbrain/internal/baseline"
	"github.com/dealbrain/dealbrain/internal/packaging"
	"github.com/dealbrain/dealbrain/internal/preview"
	"github.com/dealbrain/dealbrain/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dealbrain.valuation.v1.ValuationAPI"

// ValuationAPIServer is the server API for the valuation service.
type ValuationAPIServer interface {
	GetBreakdown(context.Context, *GetBreakdownRequest) (*GetBreakdownResponse, error)
	Preview(context.Context, *PreviewRequest) (*preview.Summary, error)
	ListRulesets(context.Context, *Empty) (*ListRulesetsResponse, error)
	GetRuleset(context.Context, *RulesetRequest) (*types.RulesetTree, error)
	CreateRuleset(context.Context, *types.Ruleset) (*types.Ruleset, error)
	SetTenantRuleset(context.Context, *RulesetRequest) (*Empty, error)
	CreateGroup(context.Context, *types.RuleGroup) (*types.RuleGroup, error)
	CreateRule(context.Context, *types.Rule) (*types.Rule, error)
	UpdateRule(context.Context, *types.Rule) (*types.Rule, error)
	DeleteRule(context.Context, *RuleRequest) (*Empty, error)
	HydrateRuleset(context.Context, *RulesetRequest) (*baseline.HydrationResult, error)
	HydrateRule(context.Context, *RuleRequest) (*RulesResponse, error)
	DehydrateRule(context.Context, *RuleRequest) (*Empty, error)
	ExportBundle(context.Context, *RulesetRequest) (*ExportBundleResponse, error)
	ImportBundle(context.Context, *ImportBundleRequest) (*packaging.ImportResult, error)
	Diff(context.Context, *DiffRequest) (*packaging.DiffResult, error)
	Adopt(context.Context, *AdoptRequest) (*types.Ruleset, error)
	Recalculate(context.Context, *RecalculateRequest) (*RecalculateResponse, error)
}

var _ ValuationAPIServer = (*Service)(nil)

// ServiceDesc describes ValuationAPI for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ValuationAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetBreakdown", ValuationAPIServer.GetBreakdown),
		unary("Preview", ValuationAPIServer.Preview),
		unary("ListRulesets", ValuationAPIServer.ListRulesets),
		unary("GetRuleset", ValuationAPIServer.GetRuleset),
		unary("CreateRuleset", ValuationAPIServer.CreateRuleset),
		unary("SetTenantRuleset", ValuationAPIServer.SetTenantRuleset),
		unary("CreateGroup", ValuationAPIServer.CreateGroup),
		unary("CreateRule", ValuationAPIServer.CreateRule),
		unary("UpdateRule", ValuationAPIServer.UpdateRule),
		unary("DeleteRule", ValuationAPIServer.DeleteRule),
		unary("HydrateRuleset", ValuationAPIServer.HydrateRuleset),
		unary("HydrateRule", ValuationAPIServer.HydrateRule),
		unary("DehydrateRule", ValuationAPIServer.DehydrateRule),
		unary("ExportBundle", ValuationAPIServer.ExportBundle),
		unary("ImportBundle", ValuationAPIServer.ImportBundle),
		unary("Diff", ValuationAPIServer.Diff),
		unary("Adopt", ValuationAPIServer.Adopt),
		unary("Recalculate", ValuationAPIServer.Recalculate),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dealbrain/valuation/v1/valuation.json",
}

// RegisterValuationAPIServer registers srv with s.
func RegisterValuationAPIServer(s grpc.ServiceRegistrar, srv ValuationAPIServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds the method descriptor for one call, in the shape protoc
// generates per method.
func unary[Req, Resp any](name string, call func(ValuationAPIServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ValuationAPIServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ValuationAPIServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls ValuationAPI over a connection using the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Invoke calls method with in and decodes the reply into out.
func (c *Client) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// Call is Invoke with a typed reply.
func Call[Resp any](ctx context.Context, c *Client, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := c.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
