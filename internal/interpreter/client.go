// Package interpreter talks to the graph-generation service that turns a
// user request into a task graph.
package interpreter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lightningloop/invene/pkg/types"
)

// Config holds interpreter client configuration.
type Config struct {
	// BaseURL of the graph service, e.g. "http://localhost:8000/graph".
	BaseURL string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client requests task graphs from the interpreter.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an interpreter client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// GenerateRequest describes the graph to generate.
type GenerateRequest struct {
	UserRequest  string             `json:"user_request"`
	Documents    []DocumentInput    `json:"documents,omitempty"`
	SliderPreset types.SliderPreset `json:"slider_preset,omitempty"`
}

// DocumentInput references an uploaded document for the generator.
type DocumentInput struct {
	DocID            string   `json:"doc_id"`
	Filename         string   `json:"filename"`
	ExtractedSummary string   `json:"extracted_summary,omitempty"`
	ChunkRefs        []string `json:"chunk_refs,omitempty"`
}

// Generate requests a complete task graph in one response.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*types.TaskGraph, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate graph: interpreter returned %s", resp.Status)
	}

	var graph types.TaskGraph
	if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &graph, nil
}

// generateFrame is one SSE payload from the streaming generator.
type generateFrame struct {
	Type      string          `json:"type"`
	GraphID   string          `json:"graph_id"`
	CreatedAt string          `json:"created_at"`
	Node      *types.TaskNode `json:"node"`
	Edge      *types.TaskEdge `json:"edge"`
	Index     int             `json:"index"`
	Total     int             `json:"total"`
	NodeCount int             `json:"node_count"`
	EdgeCount int             `json:"edge_count"`
	Message   string          `json:"message"`
}

// NodeObserver is notified as nodes arrive on the generation stream,
// letting a UI render the graph incrementally. May be nil.
type NodeObserver func(node types.TaskNode, index, total int)

// GenerateStream requests a task graph over the streaming endpoint,
// assembling start/node/edge frames into a complete graph. Malformed
// frames are skipped.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, observe NodeObserver) (*types.TaskGraph, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate/stream", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate graph: interpreter returned %s", resp.Status)
	}

	graph := &types.TaskGraph{UserRequest: req.UserRequest, SliderPreset: req.SliderPreset}
	complete := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var frame generateFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			c.logger.Warn("skipping malformed generation frame", slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case "start":
			graph.GraphID = frame.GraphID
		case "node":
			if frame.Node == nil {
				continue
			}
			graph.Nodes = append(graph.Nodes, *frame.Node)
			if observe != nil {
				observe(*frame.Node, frame.Index, frame.Total)
			}
		case "edge":
			if frame.Edge == nil {
				continue
			}
			graph.Edges = append(graph.Edges, *frame.Edge)
		case "complete":
			complete = true
		case "error":
			return nil, fmt.Errorf("graph generation failed: %s", frame.Message)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read generation stream: %w", err)
	}
	if !complete {
		return nil, fmt.Errorf("generation stream ended before completion")
	}
	return graph, nil
}
