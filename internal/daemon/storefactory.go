package daemon

import (
	"context"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tenex-sh/tenexd/internal/config"
	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/store/filestore"
	"github.com/tenex-sh/tenexd/internal/store/mongo"
)

// BuildStoreFactory returns the StoreFactory named by cfg.StoreBackend
// and, for the Mongo backend, an io.Closer-shaped cleanup func for the
// shared client it dials. The file backend needs no cleanup (each
// filestore.Store closes itself via ProjectRuntime.Teardown), so the
// returned func is a no-op in that case.
func BuildStoreFactory(ctx context.Context, cfg config.Config) (StoreFactory, func() error, error) {
	switch cfg.StoreBackend {
	case "", "file":
		factory := func(_ string, dir string) (store.Store, error) {
			return filestore.Open(dir)
		}
		return factory, func() error { return nil }, nil

	case "mongo":
		client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil { // v2 driver: Connect takes no ctx, dials lazily
			return nil, nil, &errs.FatalError{Reason: "connect to mongo", Err: err}
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, &errs.FatalError{Reason: "ping mongo", Err: err}
		}

		factory := func(projectID string, _ string) (store.Store, error) {
			return mongo.New(ctx, mongo.Options{
				Client:    client,
				Database:  "tenexd",
				ProjectID: projectID,
			})
		}
		closer := func() error { return client.Disconnect(context.Background()) }
		return factory, closer, nil

	default:
		return nil, nil, &errs.FatalError{Reason: fmt.Sprintf("unknown store backend %q", cfg.StoreBackend)}
	}
}
