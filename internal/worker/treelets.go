package worker

import (
	"context"

	"cloudrt/internal/manifest"
	"cloudrt/internal/protocol"
	"cloudrt/internal/storage"
	"cloudrt/internal/tracer"
	"cloudrt/pkg"
)

// startLoad fetches every object of an assigned treelet in the background
func (w *Worker) startLoad(ctx context.Context, treelet pkg.TreeletID, objects []string) {
	if w.engine.Resident(treelet) {
		w.announce(treelet)
		return
	}
	if _, ok := w.loading[treelet]; ok {
		return
	}
	if len(objects) == 0 {
		objects = []string{manifest.Key(manifest.KindTreelet, uint32(treelet)).String()}
	}

	w.loading[treelet] = &treeletLoad{
		objects: objects,
		data:    make(map[string][]byte, len(objects)),
	}
	w.log.Debug().Uint32("treelet", uint32(treelet)).Int("objects", len(objects)).Msg("Loading treelet")

	w.fetcher.Get(ctx, objects, func(res storage.GetResult) {
		w.post(fetchEvent{treelet: treelet, result: res})
	})
}

func (w *Worker) handleFetch(ev fetchEvent) error {
	load, ok := w.loading[ev.treelet]
	if !ok {
		return nil
	}
	if ev.result.Err != nil {
		return &FetchError{
			Treelet:  ev.treelet,
			Object:   ev.result.Name,
			Attempts: ev.result.Attempts,
			Err:      ev.result.Err,
		}
	}
	load.data[ev.result.Name] = ev.result.Data
	if len(load.data) < len(load.objects) {
		return nil
	}
	delete(w.loading, ev.treelet)

	t := &tracer.Treelet{
		ID:      ev.treelet,
		Objects: make(map[manifest.ObjectKey][]byte, len(load.objects)),
	}
	self := manifest.Key(manifest.KindTreelet, uint32(ev.treelet))
	for name, data := range load.data {
		key, err := manifest.ParseObjectKey(name)
		if err != nil {
			w.log.Warn().Str("object", name).Msg("Unrecognized object name in treelet load")
			continue
		}
		if key == self {
			t.Blob = data
			continue
		}
		t.Objects[key] = data
	}

	released := w.engine.OnTreeletFetched(t)
	w.log.Info().
		Uint32("treelet", uint32(ev.treelet)).
		Int("objects", len(load.objects)).
		Int("released_rays", released).
		Msg("Treelet loaded")

	w.announce(ev.treelet)
	return nil
}

func (w *Worker) announce(treelet pkg.TreeletID) {
	err := w.coordinator.sendPayload(protocol.TypeTreeletOwnership, protocol.TreeletOwnership{
		Treelet:  treelet,
		WorkerID: w.id,
		Address:  w.address,
	})
	if err != nil {
		w.log.Warn().Err(err).Uint32("treelet", uint32(treelet)).Msg("Failed to announce treelet")
	}
}
