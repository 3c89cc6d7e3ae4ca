package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/models"
)

// Register creates a notebook identity for app/workspace and returns it with
// its secret token. Only the token's digest is stored.
func (s *Service) Register(ctx context.Context, app, workspace string) (models.Notebook, string, error) {
	if strings.TrimSpace(app) == "" || strings.TrimSpace(workspace) == "" {
		return models.Notebook{}, "", fmt.Errorf("registry: app and workspace are required: %w", apperr.ErrInvalidInput)
	}
	nb := models.Notebook{
		UUID:      uuid.NewString(),
		App:       app,
		Workspace: workspace,
		TokenUUID: uuid.NewString(),
	}
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := s.store.CreateNotebook(ctx, nb, checksum.Sum([]byte(token)), s.now()); err != nil {
		return models.Notebook{}, "", err
	}
	return nb, token, nil
}

// Authenticate resolves a notebook uuid and token to the notebook identity.
func (s *Service) Authenticate(ctx context.Context, notebookUUID, token string) (models.Notebook, error) {
	row, err := s.store.notebook(ctx, notebookUUID)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Notebook{}, fmt.Errorf("registry: unknown notebook: %w", apperr.ErrUnauthorized)
	}
	if err != nil {
		return models.Notebook{}, err
	}
	sum := checksum.Sum([]byte(token))
	if subtle.ConstantTimeCompare([]byte(sum), []byte(row.TokenHash)) != 1 {
		return models.Notebook{}, fmt.Errorf("registry: bad token: %w", apperr.ErrUnauthorized)
	}
	return row.Notebook, nil
}
