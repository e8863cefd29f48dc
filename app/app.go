// Package app assembles the gateway, the session store and the three
// synchronizers into an fx application a UI layer can embed.
package app

import (
	"context"

	"github.com/carousell/ct-go/pkg/logger"
	log "github.com/carousell/ct-go/pkg/logger/log_context"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"github.com/teamhubapp/teamhub-go/config"
	"github.com/teamhubapp/teamhub-go/files"
	"github.com/teamhubapp/teamhub-go/gateway"
	"github.com/teamhubapp/teamhub-go/gateway/rest"
	"github.com/teamhubapp/teamhub-go/notify"
	"github.com/teamhubapp/teamhub-go/roster"
	"github.com/teamhubapp/teamhub-go/session"
	"github.com/teamhubapp/teamhub-go/stream"
)

// Invoke builds the fx application; funcs are additional fx.Invoke targets
// supplied by the embedding UI layer.
func Invoke(funcs ...any) *fx.App {
	appLog := logger.MustNamed("app")
	conf := config.MustLoad()
	appLog.Debugw("config loaded", appLog.Reflect("config", conf))
	return fx.New(
		fx.WithLogger(func() fxevent.Logger {
			l := &fxevent.ZapLogger{
				Logger: appLog.Unwrap().Desugar(),
			}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Supply(conf),
		Module(),
		fx.Invoke(funcs...),
	)
}

// Module provides every component and wires the listener graph.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			rest.NewClient,
			notify.NewLogNotifier,

			session.New,
			roster.New,
			stream.New,
			newFileRegistry,

			func(c *rest.Client) gateway.Store { return c },
			func(c *rest.Client) gateway.Blob { return c },
			func(c *rest.Client) gateway.Auth { return c },

			func(s *session.Store) roster.IdentitySource { return s },
			func(s *session.Store) stream.IdentitySource { return s },
			func(s *session.Store) files.IdentitySource { return s },
			func(r *roster.Synchronizer) stream.RosterView { return r },
		),
		fx.Invoke(wire),
	)
}

func newFileRegistry(
	cfg *config.Config,
	store gateway.Store,
	blob gateway.Blob,
	source files.IdentitySource,
	notifier notify.Notifier,
) *files.Registry {
	return files.New(store, blob, source, notifier, cfg.Files.Bucket)
}

// wire connects session changes to the roster and file registry, roster
// selection to the message stream, and the realtime feed to the app
// lifecycle.
func wire(
	lc fx.Lifecycle,
	client *rest.Client,
	sess *session.Store,
	rost *roster.Synchronizer,
	strm *stream.Synchronizer,
	reg *files.Registry,
) {
	sess.OnChange(rost.HandleIdentityChange)
	sess.OnChange(reg.HandleIdentityChange)
	rost.OnActiveChange(strm.HandleActiveChat)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Connect(ctx); err != nil {
				return err
			}
			if err := sess.Resume(ctx); err != nil {
				log.Warnw(ctx, "session resume failed", "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			strm.Deactivate()
			return client.Close()
		},
	})
}
