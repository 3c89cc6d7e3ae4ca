package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/transport"
)

// NotebookRequest records a request from the caller to another notebook.
// Identical requests are answered from the log: a rejection fails with
// ErrRejected, an answer is returned as is and a pending one is re-sent.
func (s *Service) NotebookRequest(ctx context.Context, nb models.Notebook, req models.NotebookRequestRequest) (models.NotebookRequestResponse, error) {
	if err := validate(&req); err != nil {
		return models.NotebookRequestResponse{}, err
	}
	if _, err := s.store.GetNotebook(ctx, req.Target); err != nil {
		return models.NotebookRequestResponse{}, err
	}
	canonical, hash, err := checksum.Canonical(req.Request)
	if err != nil {
		return models.NotebookRequestResponse{}, fmt.Errorf("registry: request: %v: %w", err, apperr.ErrInvalidInput)
	}

	rec, err := s.store.GetRequest(ctx, hash, nb.UUID, req.Target)
	switch {
	case err == nil:
		switch rec.Status {
		case models.RequestRejected:
			return models.NotebookRequestResponse{Hash: hash, Status: rec.Status},
				fmt.Errorf("registry: request %s: %w", hash, apperr.ErrRejected)
		case models.RequestAccepted:
			return models.NotebookRequestResponse{Hash: hash, Status: rec.Status, Response: raw(rec.Response)}, nil
		}
		s.dispatchRequest(ctx, nb, req.Target, rec.Label, hash, canonical, req.Data)
		return models.NotebookRequestResponse{Hash: hash, Status: models.RequestPending}, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return models.NotebookRequestResponse{}, err
	}

	err = s.store.CreateRequest(ctx, RequestRecord{
		Hash:    hash,
		Source:  nb.UUID,
		Target:  req.Target,
		Label:   req.Label,
		Request: string(canonical),
	}, s.now())
	if err != nil && !errors.Is(err, apperr.ErrAlreadyExists) {
		return models.NotebookRequestResponse{}, err
	}
	s.dispatchRequest(ctx, nb, req.Target, req.Label, hash, canonical, req.Data)
	return models.NotebookRequestResponse{Hash: hash, Status: models.RequestPending}, nil
}

func (s *Service) dispatchRequest(ctx context.Context, nb models.Notebook, target, label, hash string, request []byte, data bool) {
	op := transport.OpRequest
	if data {
		op = transport.OpRequestData
	}
	s.send(ctx, nb, target, op, transport.Request{
		Request:     request,
		RequestUUID: uuid.NewString(),
		Title:       label,
		Hash:        hash,
	})
}

// NotebookResponse stores the caller's answer to a request and forwards it
// to the requester.
func (s *Service) NotebookResponse(ctx context.Context, nb models.Notebook, req models.NotebookResponseRequest) error {
	if err := validate(&req); err != nil {
		return err
	}
	canonical, hash, err := checksum.Canonical(req.Request)
	if err != nil {
		return fmt.Errorf("registry: response: %v: %w", err, apperr.ErrInvalidInput)
	}
	status, response := models.RequestAccepted, string(req.Response)
	if req.Rejected {
		status, response = models.RequestRejected, ""
	}
	if err := s.store.ResolveRequest(ctx, hash, req.Requester, nb.UUID, status, response); err != nil {
		return err
	}
	s.log.Info("request resolved",
		slog.String("hash", hash),
		slog.String("status", status),
		slog.String("requester", req.Requester))
	s.send(ctx, nb, req.Requester, transport.OpResponse, transport.Response{
		Request:  canonical,
		Response: req.Response,
		Hash:     hash,
		Rejected: req.Rejected,
	})
	return nil
}

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
