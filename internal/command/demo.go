package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/relves/mdk/internal/crypto"
	"github.com/relves/mdk/internal/engine"
	"github.com/relves/mdk/internal/metrics"
	"github.com/relves/mdk/internal/mls"
	"github.com/relves/mdk/internal/storage/memory"
	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

func DemoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run self-contained scenarios against in-memory storage",
		Subcommands: []*cli.Command{
			{
				Name:  "race",
				Usage: "Resolve two concurrent commits and print the rollback",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "serve", Usage: "keep serving metrics on metrics.addr afterwards"},
				},
				Action: demoRace,
			},
		},
	}
}

// rollbackLog records rollbacks seen by the observing member.
type rollbackLog struct {
	engine.NopCallback
	infos []engine.RollbackInfo
}

func (r *rollbackLog) OnRollback(info engine.RollbackInfo) { r.infos = append(r.infos, info) }

type demoMember struct {
	keys   *nostr.Keys
	engine *engine.Engine
}

func newDemoMember(at int64, logger *slog.Logger, opts ...engine.Option) (*demoMember, func(), error) {
	clock := clockwork.NewFakeClockAt(time.Unix(at, 0))
	store, err := memory.New(memory.WithClock(clock), memory.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	keys, err := nostr.GenerateKeys()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	opts = append([]engine.Option{engine.WithClock(clock), engine.WithLogger(logger)}, opts...)
	e := engine.New(store, mls.NewRatchet(store), keys, opts...)
	return &demoMember{keys: keys, engine: e}, func() { store.Close() }, nil
}

func (m *demoMember) keyPackage(ctx context.Context) (*nostr.Event, error) {
	content, tags, err := m.engine.CreateKeyPackageForEvent(ctx, m.keys.PublicKey(), nil)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{CreatedAt: 1, Kind: nostr.KindMLSKeyPackage, Tags: tags, Content: content}
	return ev, m.keys.Sign(ev)
}

func (m *demoMember) join(ctx context.Context, rumor nostr.Event) error {
	wrapper, err := crypto.RandomKey()
	if err != nil {
		return err
	}
	w, err := m.engine.ProcessWelcome(ctx, nostr.EventID(wrapper), &rumor)
	if err != nil {
		return err
	}
	_, err = m.engine.AcceptWelcome(ctx, w.ID)
	return err
}

func (m *demoMember) selfUpdate(ctx context.Context, id types.GroupID) (nostr.Event, error) {
	res, err := m.engine.SelfUpdate(ctx, id)
	if err != nil {
		return nostr.Event{}, err
	}
	return res.EvolutionEvent, m.engine.MergePendingCommit(ctx, id)
}

type raceReport struct {
	Group         types.GroupID         `json:"group"`
	Order         []string              `json:"order"`
	Rollbacks     []engine.RollbackInfo `json:"rollbacks"`
	Epoch         uint64                `json:"epoch"`
	SecretsAgree  bool                  `json:"secrets_agree"`
	SnapshotsHeld int                   `json:"snapshots_held"`
}

func demoRace(c *cli.Context) error {
	ctx := c.Context
	cfg := getConfig(c)
	logger := getLogger(c)
	m := metrics.NewEngine(nil)
	seen := &rollbackLog{}

	// Carol's clock runs one second behind bob's, so her commit wins.
	alice, closeA, err := newDemoMember(1000, logger, engine.WithCallback(seen), engine.WithMetrics(m), engine.WithConfig(cfg.EngineConfig()))
	if err != nil {
		return err
	}
	defer closeA()
	bob, closeB, err := newDemoMember(100, logger)
	if err != nil {
		return err
	}
	defer closeB()
	carol, closeC, err := newDemoMember(99, logger)
	if err != nil {
		return err
	}
	defer closeC()

	var kps []*nostr.Event
	for _, p := range []*demoMember{bob, carol} {
		kp, err := p.keyPackage(ctx)
		if err != nil {
			return err
		}
		kps = append(kps, kp)
	}
	created, err := alice.engine.CreateGroup(ctx, alice.keys.PublicKey(), kps, engine.GroupConfig{
		Name:   "demo",
		Relays: []string{"wss://relay.example"},
		Admins: []nostr.PublicKey{alice.keys.PublicKey()},
	})
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	id := created.Group.MLSGroupID
	for i, p := range []*demoMember{bob, carol} {
		if err := p.join(ctx, created.WelcomeRumors[i]); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}

	fromBob, err := bob.selfUpdate(ctx, id)
	if err != nil {
		return err
	}
	fromCarol, err := carol.selfUpdate(ctx, id)
	if err != nil {
		return err
	}

	report := raceReport{Group: id}
	for _, step := range []struct {
		name string
		ev   nostr.Event
	}{{"bob", fromBob}, {"carol", fromCarol}} {
		res, err := alice.engine.ProcessMessage(ctx, &step.ev)
		if err != nil {
			return fmt.Errorf("process %s commit: %w", step.name, err)
		}
		report.Order = append(report.Order, fmt.Sprintf("%s: %s", step.name, res.Kind))
	}
	report.Rollbacks = seen.infos

	g, err := alice.engine.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	report.Epoch = g.Epoch
	a, err := alice.engine.ExporterSecret(ctx, id)
	if err != nil {
		return err
	}
	cs, err := carol.engine.ExporterSecret(ctx, id)
	if err != nil {
		return err
	}
	report.SecretsAgree = a.Epoch == cs.Epoch && a.Secret == cs.Secret
	entries, err := alice.engine.Snapshots().Entries(ctx, id)
	if err != nil {
		return err
	}
	report.SnapshotsHeld = len(entries)

	if err := printJSON(c.App.Writer, report); err != nil {
		return err
	}
	if c.Bool("serve") {
		return serveMetrics(ctx, cfg.Metrics.Addr, m, logger)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Engine, logger *slog.Logger) error {
	if addr == "" {
		return errors.New("metrics.addr is not set")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
