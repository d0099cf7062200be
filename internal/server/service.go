package server

import (
	"VaultLedger/internal/query"
	"context"

	"google.golang.org/grpc"
)

const (
	LendingServiceName = "vaultledger.v1.LendingService"
	AdminServiceName   = "vaultledger.v1.AdminService"
)

// LendingServer is the command and query surface of the vault ledger.
type LendingServer interface {
	CreateVault(context.Context, *CreateVaultRequest) (*CommandResponse, error)
	SupplyLiquidity(context.Context, *SupplyLiquidityRequest) (*CommandResponse, error)
	FundAccount(context.Context, *FundAccountRequest) (*CommandResponse, error)
	Deposit(context.Context, *PositionRequest) (*CommandResponse, error)
	Borrow(context.Context, *PositionRequest) (*CommandResponse, error)
	Repay(context.Context, *PositionRequest) (*CommandResponse, error)
	Withdraw(context.Context, *PositionRequest) (*CommandResponse, error)
	Liquidate(context.Context, *LiquidateRequest) (*CommandResponse, error)
	Revalue(context.Context, *RevalueRequest) (*CommandResponse, error)

	GetVault(context.Context, *GetVaultRequest) (*query.VaultResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	ListUserPositions(context.Context, *ListUserPositionsRequest) (*ListUserPositionsResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)
	ListLiquidations(context.Context, *ListLiquidationsRequest) (*ListLiquidationsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
}

// AdminServer exposes operator controls.
type AdminServer interface {
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*RebuildProjectionsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

// unaryMethod builds the handler glue protoc-gen-go-grpc would generate.
func unaryMethod[S, Req, Resp any](
	service, method string,
	call func(S, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + service + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var LendingServiceDesc = grpc.ServiceDesc{
	ServiceName: LendingServiceName,
	HandlerType: (*LendingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(LendingServiceName, "CreateVault", LendingServer.CreateVault),
		unaryMethod(LendingServiceName, "SupplyLiquidity", LendingServer.SupplyLiquidity),
		unaryMethod(LendingServiceName, "FundAccount", LendingServer.FundAccount),
		unaryMethod(LendingServiceName, "Deposit", LendingServer.Deposit),
		unaryMethod(LendingServiceName, "Borrow", LendingServer.Borrow),
		unaryMethod(LendingServiceName, "Repay", LendingServer.Repay),
		unaryMethod(LendingServiceName, "Withdraw", LendingServer.Withdraw),
		unaryMethod(LendingServiceName, "Liquidate", LendingServer.Liquidate),
		unaryMethod(LendingServiceName, "Revalue", LendingServer.Revalue),
		unaryMethod(LendingServiceName, "GetVault", LendingServer.GetVault),
		unaryMethod(LendingServiceName, "GetPosition", LendingServer.GetPosition),
		unaryMethod(LendingServiceName, "ListUserPositions", LendingServer.ListUserPositions),
		unaryMethod(LendingServiceName, "GetBalance", LendingServer.GetBalance),
		unaryMethod(LendingServiceName, "ListLiquidations", LendingServer.ListLiquidations),
		unaryMethod(LendingServiceName, "ListJournals", LendingServer.ListJournals),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultledger/v1/lending.proto",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
		unaryMethod(AdminServiceName, "RebuildProjections", AdminServer.RebuildProjections),
		unaryMethod(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultledger/v1/admin.proto",
}

func RegisterLendingServer(s grpc.ServiceRegistrar, srv LendingServer) {
	s.RegisterService(&LendingServiceDesc, srv)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}
