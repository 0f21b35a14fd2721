package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/model"
	"github.com/calder-labs/stagecoach/orchestrator"
	"github.com/calder-labs/stagecoach/pipeline"
	"github.com/calder-labs/stagecoach/runner"
	"github.com/calder-labs/stagecoach/stream"
)

type memStore struct{ defs []*config.AgentDefinition }

func (s *memStore) GetAgentDefinition(ctx context.Context, id string) (*config.AgentDefinition, error) {
	for _, def := range s.defs {
		if def.ID == id {
			return def, nil
		}
	}
	return nil, context.Canceled
}

func (s *memStore) ListAgentDefinitions(ctx context.Context) ([]*config.AgentDefinition, error) {
	return s.defs, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	store := &memStore{defs: []*config.AgentDefinition{
		{ID: "conversation", Prompt: "chat"},
	}}
	classifier := model.NewMockProvider("classifier").Script(model.Response{
		Text: `{"task_type":"chat","strategy":"DIRECT","needs_knowledge":false,
			"execution_plan":[{"step_index":0,"target_agent":"conversation","instruction":"answer"}]}`,
		FinishReason: "stop",
	})
	factory := func(def *config.AgentDefinition) (*pipeline.Executor, error) {
		provider := model.NewMockProvider("agent").Script(
			model.Response{Text: "plan", FinishReason: "stop"},
			model.Response{Text: "hi there", FinishReason: "stop"},
		)
		return pipeline.New(def, provider)
	}
	coord := runner.New(orchestrator.New(store, classifier, factory))
	return New(coord, func(o *Options) {
		o.HeartbeatInterval = time.Minute
	})
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestInvoke_JSONResponse(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke",
		bytes.NewBufferString(`{"message":"hello","principal":"alice"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body stream.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.Complete)
	require.Equal(t, "hi there", body.FinalAnswer)
	require.NotEmpty(t, body.Steps)
}

func TestInvoke_NDJSONStream(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke",
		bytes.NewBufferString(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, ndjsonContentType, resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Execution-Id"))

	r := stream.NewFrameReader(resp.Body)
	consumer := stream.NewConsumer()
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		consumer.Apply(*ev)
	}
	out := consumer.Response()
	require.True(t, out.Complete)
	require.Equal(t, "hi there", out.FinalAnswer)
}

func TestInvoke_MissingMessage(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke",
		bytes.NewBufferString(`{"message":"  "}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvoke_MalformedBody(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke",
		bytes.NewBufferString(`{"message":`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
