// Package notebook runs the notebook side of pagelink: it talks to the relay
// over HTTP and a websocket, keeps shared pages of a Markdown vault in sync and
// surfaces notifications to the user.
package notebook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/models"
	"github.com/starford/pagelink/internal/pagesync"
	"github.com/starford/pagelink/internal/request"
)

// RelayClient calls relay methods over HTTP as one notebook.
type RelayClient struct {
	base         string
	notebookUUID string
	token        string
	http         *http.Client
}

var (
	_ pagesync.Relay = (*RelayClient)(nil)
	_ request.Relay  = (*RelayClient)(nil)
)

// NewRelayClient returns a client for the relay at baseURL. A nil httpClient
// uses one with a 30s timeout.
func NewRelayClient(baseURL, notebookUUID, token string, httpClient *http.Client) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RelayClient{
		base:         strings.TrimRight(baseURL, "/"),
		notebookUUID: notebookUUID,
		token:        token,
		http:         httpClient,
	}
}

func (c *RelayClient) do(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("notebook: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notebook: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.notebookUUID+":"+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notebook: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("notebook: %s: read body: %w", method, err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("notebook: %s: %w", method, apperr.FromStatus(resp.StatusCode, e.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("notebook: %s: decode response: %w", method, err)
	}
	return nil
}

func invoke[Resp any](ctx context.Context, c *RelayClient, method string, req any) (Resp, error) {
	var out Resp
	err := c.do(ctx, method, req, &out)
	return out, err
}

func (c *RelayClient) InitSharedPage(ctx context.Context, req models.InitSharedPageRequest) (models.InitSharedPageResponse, error) {
	return invoke[models.InitSharedPageResponse](ctx, c, models.MethodInitSharedPage, req)
}

func (c *RelayClient) JoinSharedPage(ctx context.Context, req models.JoinSharedPageRequest) (models.JoinSharedPageResponse, error) {
	return invoke[models.JoinSharedPageResponse](ctx, c, models.MethodJoinSharedPage, req)
}

func (c *RelayClient) RevertPageJoin(ctx context.Context, req models.RevertPageJoinRequest) error {
	return c.do(ctx, models.MethodRevertPageJoin, req, nil)
}

func (c *RelayClient) UpdateSharedPage(ctx context.Context, req models.UpdateSharedPageRequest) (models.PageVersion, error) {
	return invoke[models.PageVersion](ctx, c, models.MethodUpdateSharedPage, req)
}

func (c *RelayClient) ForcePushPage(ctx context.Context, req models.ForcePushPageRequest) (models.PageVersion, error) {
	return invoke[models.PageVersion](ctx, c, models.MethodForcePushPage, req)
}

func (c *RelayClient) RequestPageUpdate(ctx context.Context, req models.RequestPageUpdateRequest) error {
	return c.do(ctx, models.MethodRequestPageUpdate, req, nil)
}

func (c *RelayClient) PageUpdateResponse(ctx context.Context, req models.PageUpdateResponseRequest) error {
	return c.do(ctx, models.MethodPageUpdateResponse, req, nil)
}

func (c *RelayClient) InviteNotebookToPage(ctx context.Context, req models.InviteNotebookToPageRequest) error {
	return c.do(ctx, models.MethodInviteNotebookToPage, req, nil)
}

func (c *RelayClient) RemovePageInvite(ctx context.Context, req models.RemovePageInviteRequest) error {
	return c.do(ctx, models.MethodRemovePageInvite, req, nil)
}

func (c *RelayClient) ListPageNotebooks(ctx context.Context, req models.ListPageNotebooksRequest) (models.ListPageNotebooksResponse, error) {
	return invoke[models.ListPageNotebooksResponse](ctx, c, models.MethodListPageNotebooks, req)
}

func (c *RelayClient) DisconnectSharedPage(ctx context.Context, req models.DisconnectSharedPageRequest) error {
	return c.do(ctx, models.MethodDisconnectSharedPage, req, nil)
}

func (c *RelayClient) SavePageVersion(ctx context.Context, req models.SavePageVersionRequest) (models.PageVersion, error) {
	return invoke[models.PageVersion](ctx, c, models.MethodSavePageVersion, req)
}

func (c *RelayClient) GetSharedPage(ctx context.Context, req models.GetSharedPageRequest) (models.GetSharedPageResponse, error) {
	return invoke[models.GetSharedPageResponse](ctx, c, models.MethodGetSharedPage, req)
}

func (c *RelayClient) LinkDifferentPage(ctx context.Context, req models.LinkDifferentPageRequest) error {
	return c.do(ctx, models.MethodLinkDifferentPage, req, nil)
}

func (c *RelayClient) GetPageHistory(ctx context.Context, req models.GetPageHistoryRequest) (models.GetPageHistoryResponse, error) {
	return invoke[models.GetPageHistoryResponse](ctx, c, models.MethodGetPageHistory, req)
}

func (c *RelayClient) ListSharedPages(ctx context.Context) (models.ListSharedPagesResponse, error) {
	return invoke[models.ListSharedPagesResponse](ctx, c, models.MethodListSharedPages, models.Empty{})
}

func (c *RelayClient) NotebookRequest(ctx context.Context, req models.NotebookRequestRequest) (models.NotebookRequestResponse, error) {
	return invoke[models.NotebookRequestResponse](ctx, c, models.MethodNotebookRequest, req)
}

func (c *RelayClient) NotebookResponse(ctx context.Context, req models.NotebookResponseRequest) error {
	return c.do(ctx, models.MethodNotebookResponse, req, nil)
}
