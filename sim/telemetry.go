package sim

import (
	"context"
	"fmt"

	"github.com/pthm-cable/slime/storage"
	"github.com/pthm-cable/slime/telemetry"
)

// flushTelemetry closes the stats window when due, writes its rows and
// reacts to bookmarks.
func (s *Simulation) flushTelemetry() {
	tick := s.Tick()
	if !s.collector.ShouldFlush(tick) {
		return
	}

	stats, layers := s.collector.Flush(tick, s.simTime, s.field, s.pop.Agents())
	perfStats := s.perf.Stats()
	s.lastWindow = stats

	if s.onStats != nil {
		s.onStats(stats)
	}

	if s.logStats {
		stats.LogStats(s.logger)
		perfStats.LogStats(s.logger)
	}

	if err := s.output.WriteTelemetry(stats); err != nil {
		s.logger.Error("failed to write telemetry", "error", err)
	}
	if err := s.output.WriteLayers(layers); err != nil {
		s.logger.Error("failed to write layers", "error", err)
	}
	if err := s.output.WritePerf(perfStats, stats.WindowEndTick); err != nil {
		s.logger.Error("failed to write perf", "error", err)
	}

	for _, bm := range s.bookmarks.Check(stats) {
		bm.LogBookmark(s.logger)

		// Save snapshot on bookmark
		if s.snapshotDir != "" {
			s.saveSnapshot(&bm)
		}
	}
}

// maybeCheckpoint stores a checkpoint every telemetry.checkpoint_every ticks.
func (s *Simulation) maybeCheckpoint() error {
	every := uint64(s.cfg.Telemetry.CheckpointEvery)
	if every == 0 || s.Tick()%every != 0 {
		return nil
	}
	if s.store == nil && s.snapshotDir == "" {
		return nil
	}
	_, err := s.Checkpoint(context.Background())
	return err
}

// Snapshot captures the committed state at the current tick boundary.
func (s *Simulation) Snapshot() *telemetry.Snapshot {
	snap := &telemetry.Snapshot{
		Version:  telemetry.SnapshotVersion,
		RunID:    s.runID,
		RNGSeed:  s.seed,
		Width:    s.grid.Width,
		Height:   s.grid.Height,
		Boundary: s.grid.Boundary.String(),
		Tick:     s.Tick(),
		Frame:    s.frame,
		SimTime:  s.simTime,
		Agents:   telemetry.AgentStates(s.pop.Agents()),
	}
	for i, l := range s.field.Layers() {
		snap.Layers = append(snap.Layers, telemetry.LayerState{
			Name:          l.Name,
			DiffusionRate: l.DiffusionRate,
			DecayRate:     l.DecayRate,
			Data:          append([]float32(nil), s.field.Layer(i)...),
		})
	}
	return snap
}

// Checkpoint snapshots the run into the store and, when configured, the
// snapshot directory.
func (s *Simulation) Checkpoint(ctx context.Context) (*telemetry.Snapshot, error) {
	snap := s.Snapshot()

	if s.store != nil {
		data, err := snap.Marshal()
		if err != nil {
			return nil, err
		}
		if err := s.store.SaveCheckpoint(ctx, storage.Checkpoint{RunID: s.runID, Tick: snap.Tick, Payload: data}); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	if s.snapshotDir != "" {
		s.saveSnapshot(nil)
	}

	s.collector.Record(telemetry.NewCheckpointEvent(snap.Tick))
	s.logger.Info("checkpoint", "run_id", s.runID, "tick", snap.Tick)
	return snap, nil
}

// saveSnapshot writes a snapshot file. Failures are logged, not fatal.
func (s *Simulation) saveSnapshot(bookmark *telemetry.Bookmark) {
	snap := s.Snapshot()
	snap.Bookmark = bookmark

	path, err := telemetry.SaveSnapshot(snap, s.snapshotDir)
	if err != nil {
		s.logger.Error("failed to save snapshot", "error", err)
		return
	}
	s.logger.Info("snapshot saved", "path", path, "tick", snap.Tick)
}

// Restore replaces the committed state with a snapshot taken from a run
// with the same grid, layers and population size.
func (s *Simulation) Restore(snap *telemetry.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.Width != s.grid.Width || snap.Height != s.grid.Height {
		return fmt.Errorf("sim: snapshot grid %dx%d, run grid %s", snap.Width, snap.Height, s.grid)
	}
	if snap.Boundary != s.grid.Boundary.String() {
		return fmt.Errorf("sim: snapshot boundary %s, run boundary %s", snap.Boundary, s.grid.Boundary)
	}
	if len(snap.Layers) != s.field.LayerCount() {
		return fmt.Errorf("sim: snapshot has %d layers, run has %d", len(snap.Layers), s.field.LayerCount())
	}

	list := snap.ToAgents()
	if len(list) != s.pop.Len() {
		return fmt.Errorf("sim: snapshot has %d agents, run has %d", len(list), s.pop.Len())
	}
	for i, a := range list {
		if !s.table.Has(a.Species) {
			return fmt.Errorf("sim: snapshot agent %d has species %d", i, a.Species)
		}
	}

	previous := s.field.Layers()
	for i, l := range snap.Layers {
		if err := s.field.SetRates(i, l.DiffusionRate, l.DecayRate); err != nil {
			for j := 0; j < i; j++ {
				_ = s.field.SetRates(j, previous[j].DiffusionRate, previous[j].DecayRate)
			}
			return err
		}
	}
	if err := s.pop.Restore(list); err != nil {
		return err
	}
	if err := s.field.Restore(snap.FieldData()); err != nil {
		return err
	}

	s.pipe.SetTicks(snap.Tick)
	s.frame = snap.Frame
	s.simTime = snap.SimTime
	s.collector.Record(telemetry.NewRestoreEvent(snap.Tick))
	s.logger.Info("restored", "run_id", s.runID, "from_run", snap.RunID, "tick", snap.Tick)
	return nil
}

// ResumeLatest restores the latest stored checkpoint of runID.
func (s *Simulation) ResumeLatest(ctx context.Context, runID string) error {
	if s.store == nil {
		return fmt.Errorf("sim: no store configured")
	}
	cp, err := s.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	snap, err := telemetry.UnmarshalSnapshot(cp.Payload)
	if err != nil {
		return err
	}
	return s.Restore(snap)
}
