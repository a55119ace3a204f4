// Package grpc exposes the player command surface (balance, bounties, work,
// admin adjustments and the casino) as a gRPC service.
//
// Messages are google.protobuf.Struct in both directions so the service can
// be called with grpcurl or any reflection-free client without generated
// stubs.
package grpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/killfeed/killfeed/internal/economy"
	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/gambling"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "killfeed.v1.Commands"

// Economy is the subset of economy.Engine the commands need.
type Economy interface {
	Balance(ctx context.Context, playerID string) (*types.PlayerAccount, error)
	PostBounty(ctx context.Context, posterID, targetID string, reward int64) (*types.Bounty, error)
	ListOpenBounties(ctx context.Context, targetID string) ([]*types.Bounty, error)
	Work(ctx context.Context, playerID string) (*economy.WorkResult, error)
	Give(ctx context.Context, playerID string, amount int64) (int64, error)
	Take(ctx context.Context, playerID string, amount int64) (int64, error)
	Leaderboard(ctx context.Context, order store.AccountOrder, limit int) ([]*types.PlayerAccount, error)
}

// Casino is the subset of gambling.Engine the commands need.
type Casino interface {
	PlaySlots(ctx context.Context, playerID string, wager int64) (*types.GamblingSession, error)
	PlayRoulette(ctx context.Context, playerID string, wager int64, bet gambling.RouletteBet) (*types.GamblingSession, error)
	StartBlackjack(ctx context.Context, playerID string, wager int64) (*types.GamblingSession, error)
	Hit(ctx context.Context, playerID string) (*types.GamblingSession, error)
	Stand(ctx context.Context, playerID string) (*types.GamblingSession, error)
	Active(ctx context.Context, playerID string, game types.GameKind) (*types.GamblingSession, error)
	Void(ctx context.Context, sessionID string) (*types.GamblingSession, error)
	PlayerView(s *types.GamblingSession) (*types.GamblingSession, error)
}

// CommandsServer is the handler type registered for ServiceName.
type CommandsServer interface {
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PostBounty(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBounties(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Work(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Give(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Take(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSlots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartRoulette(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartBlackjack(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Hit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActiveSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VoidSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Leaderboard(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Commands implements CommandsServer.
type Commands struct {
	economy Economy
	casino  Casino
	logger  *slog.Logger
}

// NewCommands creates the command service.
func NewCommands(econ Economy, casino Casino, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Commands{economy: econ, casino: casino, logger: logging.Component(logger, "grpc")}
}

// Register adds the service to s.
func (c *Commands) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, c)
}

// Balance returns {"account": PlayerAccount}.
func (c *Commands) Balance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	player, err := caller(ctx, in, "player_id")
	if err != nil {
		return nil, toStatus(err)
	}
	acct, err := c.economy.Balance(ctx, player)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply("account", acct)
}

// PostBounty escrows reward from the caller onto target_id.
func (c *Commands) PostBounty(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	poster, err := caller(ctx, in, "poster_id")
	if err != nil {
		return nil, toStatus(err)
	}
	reward, err := amount(in, "reward")
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := c.economy.PostBounty(ctx, poster, stringField(in, "target_id"), reward)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply("bounty", b)
}

// ListBounties returns open bounties, optionally filtered by target_id.
func (c *Commands) ListBounties(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	list, err := c.economy.ListOpenBounties(ctx, stringField(in, "target_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	if list == nil {
		list = []*types.Bounty{}
	}
	return reply("bounties", list)
}

// Work pays the caller once per cooldown.
func (c *Commands) Work(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	player, err := caller(ctx, in, "player_id")
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := c.economy.Work(ctx, player)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply("work", map[string]any{
		"payout":  res.Payout,
		"balance": res.Balance,
		"next_at": res.NextAt,
	})
}

// Give credits player_id. Admin only.
func (c *Commands) Give(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.adjust(ctx, in, c.economy.Give)
}

// Take debits player_id. Admin only.
func (c *Commands) Take(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.adjust(ctx, in, c.economy.Take)
}

func (c *Commands) adjust(ctx context.Context, in *structpb.Struct, fn func(context.Context, string, int64) (int64, error)) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	n, err := amount(in, "amount")
	if err != nil {
		return nil, toStatus(err)
	}
	player := stringField(in, "player_id")
	balance, err := fn(ctx, player, n)
	if err != nil {
		return nil, toStatus(err)
	}
	c.logger.Info("balance adjusted", "player", player, "amount", n, "by", subject(ctx))
	return reply("balance", balance)
}

// StartSlots spins the reels for wager.
func (c *Commands) StartSlots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.play(ctx, in, func(player string, wager int64) (*types.GamblingSession, error) {
		return c.casino.PlaySlots(ctx, player, wager)
	})
}

// StartRoulette spins the wheel for a bet described by bet_type and number.
func (c *Commands) StartRoulette(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	bet := gambling.RouletteBet{
		Type:   gambling.BetType(stringField(in, "bet_type")),
		Number: stringField(in, "number"),
	}
	return c.play(ctx, in, func(player string, wager int64) (*types.GamblingSession, error) {
		return c.casino.PlayRoulette(ctx, player, wager, bet)
	})
}

// StartBlackjack deals a hand.
func (c *Commands) StartBlackjack(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.play(ctx, in, func(player string, wager int64) (*types.GamblingSession, error) {
		return c.casino.StartBlackjack(ctx, player, wager)
	})
}

// Hit draws a card in the caller's blackjack hand.
func (c *Commands) Hit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.move(ctx, in, c.casino.Hit)
}

// Stand ends the caller's blackjack hand.
func (c *Commands) Stand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return c.move(ctx, in, c.casino.Stand)
}

// ActiveSession returns the caller's session in progress for game.
func (c *Commands) ActiveSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	player, err := caller(ctx, in, "player_id")
	if err != nil {
		return nil, toStatus(err)
	}
	s, err := c.casino.Active(ctx, player, types.GameKind(stringField(in, "game")))
	if err != nil {
		return nil, toStatus(err)
	}
	return c.session(s)
}

// VoidSession returns the stake of session_id and ends it. Admin only.
func (c *Commands) VoidSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	id := stringField(in, "session_id")
	if id == "" {
		return nil, toStatus(kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, "session_id is required"))
	}
	s, err := c.casino.Void(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	c.logger.Info("session voided", "session", id, "by", subject(ctx))
	return c.session(s)
}

// Leaderboard returns accounts ordered by "by" (kills, balance, streak).
func (c *Commands) Leaderboard(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	order, ok := store.ParseAccountOrder(stringField(in, "by"))
	if !ok {
		return nil, toStatus(kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "unknown leaderboard order"))
	}
	limit := int(in.GetFields()["limit"].GetNumberValue())
	list, err := c.economy.Leaderboard(ctx, order, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if list == nil {
		list = []*types.PlayerAccount{}
	}
	return reply("accounts", list)
}

func (c *Commands) play(ctx context.Context, in *structpb.Struct, fn func(string, int64) (*types.GamblingSession, error)) (*structpb.Struct, error) {
	player, err := caller(ctx, in, "player_id")
	if err != nil {
		return nil, toStatus(err)
	}
	wager, err := amount(in, "wager")
	if err != nil {
		return nil, toStatus(err)
	}
	s, err := fn(player, wager)
	if err != nil {
		return nil, toStatus(err)
	}
	return c.session(s)
}

func (c *Commands) move(ctx context.Context, in *structpb.Struct, fn func(context.Context, string) (*types.GamblingSession, error)) (*structpb.Struct, error) {
	player, err := caller(ctx, in, "player_id")
	if err != nil {
		return nil, toStatus(err)
	}
	s, err := fn(ctx, player)
	if err != nil {
		return nil, toStatus(err)
	}
	return c.session(s)
}

// session replies with the player's view of s.
func (c *Commands) session(s *types.GamblingSession) (*structpb.Struct, error) {
	view, err := c.casino.PlayerView(s)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply("session", view)
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

// amount reads a whole, positive number field.
func amount(in *structpb.Struct, name string) (int64, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, name+" is required")
	}
	f := v.GetNumberValue()
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, name+" must be a whole number")
	}
	return int64(f), nil
}

// reply wraps v under key, going through JSON so struct tags shape the output.
func reply(key string, v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(kferrors.NewInternalError("encode reply", err))
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, toStatus(kferrors.NewInternalError("encode reply", err))
	}
	out, err := structpb.NewStruct(map[string]any{key: decoded})
	if err != nil {
		return nil, toStatus(kferrors.NewInternalError("encode reply", err))
	}
	return out, nil
}

type handlerFunc func(CommandsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(CommandsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(CommandsServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CommandsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Balance", CommandsServer.Balance),
		unary("PostBounty", CommandsServer.PostBounty),
		unary("ListBounties", CommandsServer.ListBounties),
		unary("Work", CommandsServer.Work),
		unary("Give", CommandsServer.Give),
		unary("Take", CommandsServer.Take),
		unary("StartSlots", CommandsServer.StartSlots),
		unary("StartRoulette", CommandsServer.StartRoulette),
		unary("StartBlackjack", CommandsServer.StartBlackjack),
		unary("Hit", CommandsServer.Hit),
		unary("Stand", CommandsServer.Stand),
		unary("ActiveSession", CommandsServer.ActiveSession),
		unary("VoidSession", CommandsServer.VoidSession),
		unary("Leaderboard", CommandsServer.Leaderboard),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "killfeed/v1/commands.proto",
}
