package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcarmo/guerite/internal/docker"
)

// isRollbackName reports whether a container name is one of the temporary
// names a recreate leaves behind.
func isRollbackName(name string) bool {
	return strings.Contains(name, "-guerite-old-") || strings.Contains(name, "-guerite-new-")
}

// prune reclaims disk by removing unused images. Rollback containers that
// are still running or within the rollback grace window protect their
// images: the whole prune is skipped while any exist. Otherwise leftover
// rollback containers are removed first.
func (e *Engine) prune(ctx context.Context, now time.Time, snaps []*docker.Snapshot) {
	doNotify := e.notifyEnabled("prune")

	var protected, removable []*docker.Snapshot
	for _, snap := range snaps {
		if !isRollbackName(snap.Name) {
			continue
		}
		if snap.Running || now.Sub(snap.StartedAt) < e.cfg.RollbackGrace {
			protected = append(protected, snap)
		} else {
			removable = append(removable, snap)
		}
	}

	if len(protected) > 0 {
		images := make([]string, 0, len(protected))
		for _, snap := range protected {
			images = append(images, docker.ShortID(snap.ImageID))
		}
		e.log.Info("skipping prune while rollback containers exist", "protected", len(protected))
		if doNotify {
			e.notifier.Append("Skipping prune while rollback containers exist; protected images: " +
				strings.Join(images, ", "))
		}
		return
	}

	for _, snap := range removable {
		e.log.Info("removing leftover rollback container", "name", snap.Name)
		if err := e.docker.RemoveContainer(ctx, snap.ID); err != nil {
			e.log.Warn("could not remove rollback container", "name", snap.Name, "error", err)
		}
	}

	e.pruneMu.Lock()
	defer e.pruneMu.Unlock()

	pruneCtx, cancel := context.WithTimeout(ctx, e.cfg.PruneTimeout)
	defer cancel()

	report, err := e.docker.PruneImages(pruneCtx)
	if err != nil {
		e.log.Warn("image prune failed", "error", err)
		if doNotify {
			e.notifier.Append(fmt.Sprintf("Image prune failed: %v", err))
		}
		return
	}

	e.log.Info("pruned images", "reclaimed_bytes", report.SpaceReclaimed,
		"deleted", len(report.Deleted))
	if !doNotify {
		return
	}
	e.notifier.Append(fmt.Sprintf("Pruned images; reclaimed %d bytes", report.SpaceReclaimed))
	if len(report.Deleted) > 0 {
		const maxListed = 5
		shown := report.Deleted
		more := 0
		if len(shown) > maxListed {
			more = len(shown) - maxListed
			shown = shown[:maxListed]
		}
		body := "Pruned entries:\n" + strings.Join(shown, "\n")
		if more > 0 {
			body += fmt.Sprintf("\n(+%d more)", more)
		}
		e.notifier.Append(body)
	}
}
