// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes a notebook's shared pages to LLM clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/crdt"
	"github.com/starford/pagelink/internal/index"
	"github.com/starford/pagelink/internal/pagesync"
)

// Notebook is the part of the running notebook the tools need.
type Notebook interface {
	Core() *pagesync.Core
	Index() *index.DB
	ReadPage(ctx context.Context, notebookPageID string) (crdt.State, error)
}

// Server wraps the MCP server with the notebook tools.
type Server struct {
	mcp *server.MCPServer
	nb  Notebook
}

// New creates a new MCP server with all tools registered.
func New(nb Notebook, version string) *Server {
	s := &Server{nb: nb}

	s.mcp = server.NewMCPServer(
		"Pagelink",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_shared_pages",
		mcp.WithDescription("List local pages that are linked to a shared relay page, with their sync status."),
	), s.listSharedPages)

	s.mcp.AddTool(mcp.NewTool("read_page",
		mcp.WithDescription("Read the text and annotations of a local page."),
		mcp.WithString("notebookPageId", mcp.Required(), mcp.Description("Page id relative to the vault, without .md (e.g. notes/plan)")),
	), s.readPage)

	s.mcp.AddTool(mcp.NewTool("share_page",
		mcp.WithDescription("Share a local page through the relay. Returns the relay page uuid. "+
			"Sharing an already shared page returns its existing uuid."),
		mcp.WithString("notebookPageId", mcp.Required(), mcp.Description("Page id to share")),
		mcp.WithString("title", mcp.Description("Optional title shown to invited notebooks")),
	), s.sharePage)

	s.mcp.AddTool(mcp.NewTool("invite_notebook",
		mcp.WithDescription("Invite another notebook to a shared page. "+
			"The page must be shared first; see the pagelink://sharing resource."),
		mcp.WithString("notebookPageId", mcp.Required(), mcp.Description("Shared page id")),
		mcp.WithString("notebookUuid", mcp.Required(), mcp.Description("UUID of the notebook to invite")),
	), s.inviteNotebook)

	s.mcp.AddTool(mcp.NewTool("search_pages",
		mcp.WithDescription("Full-text search through page content and titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
	), s.searchPages)

	s.mcp.AddTool(mcp.NewTool("list_notifications",
		mcp.WithDescription("List pending notifications such as invitations, requests and conflicts."),
	), s.listNotifications)

	s.mcp.AddResource(
		mcp.NewResource(SharingURI, "Page Sharing Guide",
			mcp.WithResourceDescription("How pages, ids and invitations work in a pagelink notebook."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readSharingResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func toolError(npid string, err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", npid))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) listSharedPages(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pages, err := s.nb.Core().Pages(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(pages)
}

func (s *Server) readPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	npid, err := req.RequireString("notebookPageId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.nb.ReadPage(ctx, npid)
	if err != nil {
		return toolError(npid, err), nil
	}
	return jsonResult(st)
}

func (s *Server) sharePage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	npid, err := req.RequireString("notebookPageId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	title := req.GetString("title", "")
	pageUUID, created, err := s.nb.Core().SharePage(ctx, npid, title)
	if err != nil {
		return toolError(npid, err), nil
	}
	return jsonResult(map[string]any{"pageUuid": pageUUID, "created": created})
}

func (s *Server) inviteNotebook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	npid, err := req.RequireString("notebookPageId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("notebookUuid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.nb.Core().InviteNotebook(ctx, npid, target); err != nil {
		return toolError(npid, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("invited %s to %s", target, npid)), nil
}

func (s *Server) searchPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	results, err := s.nb.Index().Search(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if results == nil {
		results = []index.SearchResult{}
	}
	return jsonResult(results)
}

func (s *Server) listNotifications(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ns, err := s.nb.Index().Notifications(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(ns)
}

func (s *Server) readSharingResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SharingURI,
			MIMEType: "text/markdown",
			Text:     SharingGuide,
		},
	}, nil
}
