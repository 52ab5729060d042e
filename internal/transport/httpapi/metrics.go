package httpapi

import (
	"fmt"
	"io"

	"fleetcommand.gg/internal/dispatcher"
	"fleetcommand.gg/internal/persistence/archive"
	"fleetcommand.gg/internal/worker"
)

// Snapshot is the counter set exposed at /metrics.
type Snapshot struct {
	Worker          worker.Stats
	WorkerEnabled   bool
	Dispatcher      dispatcher.Stats
	EventsPublished uint64
	EventsFailed    uint64
	BusDropped      uint64
	ArchiveEnabled  bool
	Archive         archive.Stats
}

// WriteMetrics renders s in the Prometheus text exposition format.
func WriteMetrics(w io.Writer, s Snapshot) {
	if s.WorkerEnabled {
		fmt.Fprintf(w, "# HELP fleetcommand_worker_ticks_total Apply worker ticks.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_worker_ticks_total counter\n")
		fmt.Fprintf(w, "fleetcommand_worker_ticks_total %d\n", s.Worker.Ticks)

		fmt.Fprintf(w, "# HELP fleetcommand_worker_idle_ticks_total Ticks that found no pending order.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_worker_idle_ticks_total counter\n")
		fmt.Fprintf(w, "fleetcommand_worker_idle_ticks_total %d\n", s.Worker.IdleTicks)

		fmt.Fprintf(w, "# HELP fleetcommand_orders_completed_total Orders completed by the worker.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_orders_completed_total counter\n")
		fmt.Fprintf(w, "fleetcommand_orders_completed_total{status=%q} %d\n", "applied", s.Worker.Applied)
		fmt.Fprintf(w, "fleetcommand_orders_completed_total{status=%q} %d\n", "rejected", s.Worker.Rejected)

		fmt.Fprintf(w, "# HELP fleetcommand_worker_failures_total Apply attempts rolled back.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_worker_failures_total counter\n")
		fmt.Fprintf(w, "fleetcommand_worker_failures_total %d\n", s.Worker.Failures)

		fmt.Fprintf(w, "# HELP fleetcommand_worker_last_applied_unix_ms Unix ms of the last applied order.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_worker_last_applied_unix_ms gauge\n")
		fmt.Fprintf(w, "fleetcommand_worker_last_applied_unix_ms %d\n", s.Worker.LastApplied)
	}

	fmt.Fprintf(w, "# HELP fleetcommand_stream_clients Connected stream clients.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_stream_clients gauge\n")
	fmt.Fprintf(w, "fleetcommand_stream_clients %d\n", s.Dispatcher.Clients)

	fmt.Fprintf(w, "# HELP fleetcommand_stream_messages_total Bus messages received by the dispatcher.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_stream_messages_total counter\n")
	fmt.Fprintf(w, "fleetcommand_stream_messages_total %d\n", s.Dispatcher.Received)

	fmt.Fprintf(w, "# HELP fleetcommand_stream_sends_total Per-client sends by result.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_stream_sends_total counter\n")
	fmt.Fprintf(w, "fleetcommand_stream_sends_total{result=%q} %d\n", "ok", s.Dispatcher.Delivered)
	fmt.Fprintf(w, "fleetcommand_stream_sends_total{result=%q} %d\n", "dropped", s.Dispatcher.Dropped)

	fmt.Fprintf(w, "# HELP fleetcommand_events_published_total Events handed to the bus.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_events_published_total counter\n")
	fmt.Fprintf(w, "fleetcommand_events_published_total %d\n", s.EventsPublished)

	fmt.Fprintf(w, "# HELP fleetcommand_events_failed_total Events that could not be published.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_events_failed_total counter\n")
	fmt.Fprintf(w, "fleetcommand_events_failed_total %d\n", s.EventsFailed)

	fmt.Fprintf(w, "# HELP fleetcommand_bus_dropped_total In-process bus deliveries dropped on full subscribers.\n")
	fmt.Fprintf(w, "# TYPE fleetcommand_bus_dropped_total counter\n")
	fmt.Fprintf(w, "fleetcommand_bus_dropped_total %d\n", s.BusDropped)

	if s.ArchiveEnabled {
		fmt.Fprintf(w, "# HELP fleetcommand_archive_files_total Journal files handled by the archiver.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_archive_files_total counter\n")
		fmt.Fprintf(w, "fleetcommand_archive_files_total{result=%q} %d\n", "shipped", s.Archive.Shipped)
		fmt.Fprintf(w, "fleetcommand_archive_files_total{result=%q} %d\n", "failed", s.Archive.Failed)
		fmt.Fprintf(w, "fleetcommand_archive_files_total{result=%q} %d\n", "dropped", s.Archive.Dropped)

		fmt.Fprintf(w, "# HELP fleetcommand_archive_queue_depth Journal files waiting for upload.\n")
		fmt.Fprintf(w, "# TYPE fleetcommand_archive_queue_depth gauge\n")
		fmt.Fprintf(w, "fleetcommand_archive_queue_depth %d\n", s.Archive.Queued)
	}
}
