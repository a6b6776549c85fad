package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/glowcore/internal/backup"
)

// Backups is the part of backup.Manager the API exposes.
type Backups interface {
	Status() backup.Status
	Run(ctx context.Context) (*backup.Snapshot, error)
	List(ctx context.Context) ([]backup.Snapshot, error)
}

type BackupHandler struct {
	backups Backups
	logger  *slog.Logger
}

func NewBackupHandler(backups Backups, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: backups, logger: logger}
}

type backupListResponse struct {
	Status    backup.Status     `json:"status"`
	Snapshots []backup.Snapshot `json:"snapshots"`
}

// List handles GET /api/backups
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.backups.List(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list backups", err)
		return
	}
	if snaps == nil {
		snaps = []backup.Snapshot{}
	}
	writeJSON(w, http.StatusOK, backupListResponse{Status: h.backups.Status(), Snapshots: snaps})
}

// Run handles POST /api/backups
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backups.Run(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to run backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}
