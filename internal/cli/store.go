package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/hybridscd/pkg/duck"
	"github.com/malbeclabs/hybridscd/pkg/objectstore"
	"github.com/malbeclabs/hybridscd/pkg/postgres"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/spf13/pflag"
)

const (
	storeDuckDB   = "duckdb"
	storeDuckLake = "ducklake"
	storePostgres = "postgres"

	defaultCatalogName = "scd"
)

type storeFlags struct {
	kind        string
	uri         string
	catalogName string
	catalogURI  string
	storageURI  string
}

func (f *storeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.kind, "store", getenv("SCD_STORE", storeDuckDB), "store backend: duckdb, ducklake or postgres (env: SCD_STORE)")
	fs.StringVar(&f.uri, "store-uri", getenv("SCD_STORE_URI", ""), "duckdb file path or postgres connection URI (env: SCD_STORE_URI)")
	fs.StringVar(&f.catalogName, "catalog-name", getenv("DUCKLAKE_CATALOG_NAME", defaultCatalogName), "ducklake catalog name (env: DUCKLAKE_CATALOG_NAME)")
	fs.StringVar(&f.catalogURI, "catalog-uri", getenv("DUCKLAKE_CATALOG_URI", ""), "ducklake catalog URI, file:// or postgres:// (env: DUCKLAKE_CATALOG_URI)")
	fs.StringVar(&f.storageURI, "storage-uri", getenv("DUCKLAKE_STORAGE_URI", ""), "ducklake data URI, file:// or s3:// (env: DUCKLAKE_STORAGE_URI)")
}

// versionStore is implemented by every backend.
type versionStore interface {
	scd.Store
	scd.Provisioner
	scd.HistoryReader
}

// openStore connects to the configured backend. The returned close function
// releases it.
func openStore(ctx context.Context, log *slog.Logger, f storeFlags) (versionStore, func(), error) {
	switch f.kind {
	case storeDuckDB:
		if f.uri == "" {
			return nil, nil, fmt.Errorf("--store-uri (or SCD_STORE_URI) is required for the duckdb store")
		}
		db, err := duck.NewDB(ctx, f.uri, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := duck.NewStore(duck.StoreConfig{Logger: log, DB: db})
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case storeDuckLake:
		if f.catalogURI == "" || f.storageURI == "" {
			return nil, nil, fmt.Errorf("--catalog-uri and --storage-uri (or DUCKLAKE_CATALOG_URI and DUCKLAKE_STORAGE_URI) are required for the ducklake store")
		}
		s3Config, err := objectstore.ConfigForURI(ctx, log, f.storageURI)
		if err != nil {
			return nil, nil, err
		}
		lake, err := duck.NewLake(ctx, log, f.catalogName, f.catalogURI, f.storageURI, s3Config)
		if err != nil {
			return nil, nil, err
		}
		store, err := duck.NewStore(duck.StoreConfig{Logger: log, DB: lake})
		if err != nil {
			lake.Close()
			return nil, nil, err
		}
		return store, func() { lake.Close() }, nil

	case storePostgres:
		if f.uri == "" {
			return nil, nil, fmt.Errorf("--store-uri (or SCD_STORE_URI) is required for the postgres store")
		}
		pool, err := postgres.NewPool(ctx, f.uri)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.NewStore(postgres.StoreConfig{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q (expected %s, %s or %s)", f.kind, storeDuckDB, storeDuckLake, storePostgres)
	}
}
