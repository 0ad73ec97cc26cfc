package config

import (
	"fmt"

	"github.com/hau2park/parking-monitor/internal/source"
	"github.com/hau2park/parking-monitor/internal/store"
)

// OpenStore opens the configured status store.
func (f *File) OpenStore() (store.Store, error) {
	switch f.Store.Driver {
	case StoreMemory:
		return store.NewMemory(), nil
	case StoreSQLite:
		return store.OpenSQLite(f.Store.Path)
	case StoreREST:
		return store.NewREST(store.RESTConfig{
			BaseURL: f.Store.URL,
			Table:   f.Store.Table,
			APIKey:  f.Store.APIKey,
			Timeout: f.StoreTimeout(),
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", f.Store.Driver)
	}
}

// OpenSource opens the configured detection source.
func (f *File) OpenSource() (source.Source, error) {
	sc := f.Source
	switch source.Kind(sc.Kind) {
	case source.KindJSONL:
		return source.OpenJSONL(source.JSONLConfig{
			Path:       sc.Path,
			Normalized: sc.Normalized,
			Realtime:   sc.Realtime,
		})

	case source.KindRoboflow:
		cfg := source.DefaultRoboflowConfig()
		cfg.Model = sc.Model
		cfg.Version = sc.Version
		cfg.APIKey = sc.APIKey
		cfg.Images = sc.Path
		cfg.Loop = sc.Loop
		if sc.Endpoint != "" {
			cfg.Endpoint = sc.Endpoint
		}
		if sc.Confidence > 0 {
			cfg.Confidence = sc.Confidence
		}
		if sc.Overlap > 0 {
			cfg.Overlap = sc.Overlap
		}
		if sc.Rate > 0 {
			cfg.Rate = sc.Rate
		}
		return source.NewRoboflow(cfg)

	case source.KindSHM:
		cfg := source.DefaultSHMConfig()
		if sc.SHMName != "" {
			cfg.Name = sc.SHMName
		}
		if sc.Width > 0 {
			cfg.Width = sc.Width
		}
		if sc.Height > 0 {
			cfg.Height = sc.Height
		}
		if d := f.SourcePoll(); d > 0 {
			cfg.Poll = d
		}
		return source.NewSHM(cfg)

	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}
