package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/notesync/internal/engine"
	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/secret"
	"github.com/go-chi/chi/v5"
)

// storageRequest is the body of PUT /storage and POST /storage/test.
// A credential left blank or sent back as the mask keeps the stored
// value.
type storageRequest struct {
	Backend         models.Backend `json:"backend" validate:"required,oneof=local s3 webdav"`
	Endpoint        string         `json:"endpoint,omitempty" validate:"omitempty,url"`
	Bucket          string         `json:"bucket,omitempty" validate:"omitempty,max=255"`
	Region          string         `json:"region,omitempty" validate:"omitempty,max=64"`
	ForcePathStyle  bool           `json:"forcePathStyle,omitempty"`
	AccessKeyID     string         `json:"accessKeyId,omitempty"`
	SecretAccessKey string         `json:"secretAccessKey,omitempty"`
	URL             string         `json:"url,omitempty" validate:"omitempty,url"`
	Username        string         `json:"username,omitempty"`
	Password        string         `json:"password,omitempty"`
}

// actionResponse reports the outcome of test connection and sync now.
type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Pushed  int    `json:"pushed,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Pruned  int    `json:"pruned,omitempty"`
}

// masked returns cfg with every credential replaced by the mask.
func masked(cfg models.StorageConfig) models.StorageConfig {
	cfg.AccessKeyID = secret.Mask(cfg.AccessKeyID)
	cfg.SecretAccessKey = secret.Mask(cfg.SecretAccessKey)
	cfg.Password = secret.Mask(cfg.Password)

	return cfg
}

func (s *Server) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Configs.GetStorageConfig(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, masked(cfg))
}

func (s *Server) handlePutStorage(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")

	var req storageRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := s.candidate(r.Context(), acct, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	saved, err := s.cfg.Configs.SetStorageConfig(cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cfg.Adapters.Invalidate(acct)

	s.cfg.Logger.Info("storage config saved",
		slog.String("account", acct),
		slog.String("backend", string(saved.Backend)),
	)

	writeJSON(w, http.StatusOK, masked(saved))
}

func (s *Server) handleTestStorage(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")

	var req storageRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := s.candidate(r.Context(), acct, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.cfg.NewAdapter(cfg, s.cfg.Box, s.cfg.Storage)
	if errors.Is(err, apperrors.ErrNoRemote) {
		writeJSON(w, http.StatusOK, actionResponse{Message: "storage is local or incomplete, nothing to test"})
		return
	}

	if err == nil {
		err = a.Check(r.Context())
	}

	if err != nil {
		writeJSON(w, http.StatusOK, actionResponse{Message: "connection failed: " + err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "connection succeeded"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")

	remote, err := s.cfg.Adapters.IsRemote(acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !remote {
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: "account uses local storage, nothing to sync"})
		return
	}

	res, err := s.cfg.Syncer.SyncNow(r.Context(), acct)

	resp := actionResponse{
		Success: err == nil,
		Message: "sync complete",
		Pushed:  res.Pushed,
		Failed:  res.Failed,
		Pruned:  res.Pruned,
	}

	if err != nil {
		resp.Message = "sync failed: " + err.Error()
	}

	writeJSON(w, http.StatusOK, resp)
}

type syncStatusResponse struct {
	engine.Status
	Remote bool `json:"remote"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")

	remote, err := s.cfg.Adapters.IsRemote(acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, syncStatusResponse{Status: s.cfg.Syncer.Status(acct), Remote: remote})
}

// candidate builds the config a request describes. Endpoints must pass
// the egress check; credentials are encrypted, and blank or masked ones
// keep what is stored.
func (s *Server) candidate(ctx context.Context, acct string, req storageRequest) (models.StorageConfig, error) {
	for _, u := range []string{req.Endpoint, req.URL} {
		if u == "" {
			continue
		}

		if err := s.guard.CheckURL(ctx, u); err != nil {
			if errors.Is(err, apperrors.ErrEndpointBlocked) {
				return models.StorageConfig{}, err
			}

			return models.StorageConfig{}, fmt.Errorf("%s: %w: %w", u, apperrors.ErrInvalidStorage, err)
		}
	}

	existing, err := s.cfg.Configs.GetStorageConfig(acct)
	if err != nil {
		return models.StorageConfig{}, err
	}

	cfg := models.StorageConfig{
		AccountID:      acct,
		Backend:        req.Backend,
		Endpoint:       req.Endpoint,
		Bucket:         req.Bucket,
		Region:         req.Region,
		ForcePathStyle: req.ForcePathStyle,
		URL:            req.URL,
		Username:       req.Username,
	}

	creds := []struct {
		in     string
		stored string
		out    *string
	}{
		{req.AccessKeyID, existing.AccessKeyID, &cfg.AccessKeyID},
		{req.SecretAccessKey, existing.SecretAccessKey, &cfg.SecretAccessKey},
		{req.Password, existing.Password, &cfg.Password},
	}

	for _, c := range creds {
		if c.in == "" || c.in == secret.Masked {
			*c.out = c.stored
			continue
		}

		enc, err := s.cfg.Box.Encrypt(c.in)
		if err != nil {
			return models.StorageConfig{}, fmt.Errorf("encrypting credential: %w", err)
		}

		*c.out = enc
	}

	return cfg, nil
}
