package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/internal/config"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderProcess = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs" targetNamespace="test">
  <process id="%s" isExecutable="true">
    <startEvent id="start" />
    <sequenceFlow id="f1" sourceRef="start" targetRef="review" />
    <userTask id="review" name="Review" />
    <sequenceFlow id="f2" sourceRef="review" targetRef="end" />
    <endEvent id="end" />
  </process>
</definitions>`

type restTester struct {
	server *httptest.Server
}

func newRestTester(t *testing.T) *restTester {
	t.Helper()
	repo, err := repository.New(t.Context(), inmemory.NewStorage(), repository.WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	s := NewServer(repo, config.Config{Name: "zenrepo-test"}, nil)
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return &restTester{server: server}
}

func (rt *restTester) do(t *testing.T, method string, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, rt.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBody
}

func (rt *restTester) deploy(t *testing.T, fields map[string]string, files map[string]string) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("resources", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return rt.do(t, http.MethodPost, "/v1/deployments", &buf, mw.FormDataContentType())
}

func (rt *restTester) deployOrder(t *testing.T) DeploymentResponse {
	t.Helper()
	status, body := rt.deploy(t, map[string]string{"name": "orders"}, map[string]string{"order.bpmn": fmt.Sprintf(orderProcess, "order")})
	require.Equal(t, http.StatusCreated, status, string(body))
	var res DeploymentResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.Len(t, res.Definitions, 1)
	return res
}

func decodeError(t *testing.T, body []byte) ApiError {
	t.Helper()
	var apiErr ApiError
	require.NoError(t, json.Unmarshal(body, &apiErr))
	return apiErr
}

func TestDeployAndReadDefinition(t *testing.T) {
	rt := newRestTester(t)
	res := rt.deployOrder(t)
	def := res.Definitions[0]
	assert.Equal(t, "orders", res.Name)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "order", def.Key)
	assert.EqualValues(t, 1, def.Version)

	status, body := rt.do(t, http.MethodGet, "/v1/definitions/"+def.Id, nil, "")
	require.Equal(t, http.StatusOK, status)
	var got DefinitionResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, def, got)
	assert.Contains(t, string(body), `"suspensionState":"ACTIVE"`)
}

func TestDeployErrors(t *testing.T) {
	rt := newRestTester(t)

	status, body := rt.deploy(t, map[string]string{"name": "empty"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(repository.ErrorKindNotValid), decodeError(t, body).Type)

	status, _ = rt.deploy(t, map[string]string{"activateAfter": "tomorrow"}, map[string]string{"order.bpmn": fmt.Sprintf(orderProcess, "order")})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = rt.deploy(t, map[string]string{"resume": "maybe"}, map[string]string{"order.bpmn": fmt.Sprintf(orderProcess, "order")})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = rt.deploy(t, map[string]string{"redeploy": "missing"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "missing", decodeError(t, body).Selector)
}

func TestDeployDuplicateReturnsExistingDeployment(t *testing.T) {
	rt := newRestTester(t)
	fields := map[string]string{"name": "orders", "enableDuplicateFiltering": "true"}
	files := map[string]string{"order.bpmn": fmt.Sprintf(orderProcess, "order")}

	status, body := rt.deploy(t, fields, files)
	require.Equal(t, http.StatusCreated, status)
	var first DeploymentResponse
	require.NoError(t, json.Unmarshal(body, &first))

	status, body = rt.deploy(t, fields, files)
	require.Equal(t, http.StatusOK, status)
	var second DeploymentResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Id, second.Id)
}

func TestDeployWithActivateAfter(t *testing.T) {
	rt := newRestTester(t)

	status, body := rt.deploy(t, map[string]string{"activateAfter": "PT1H"}, map[string]string{"order.bpmn": fmt.Sprintf(orderProcess, "order")})
	require.Equal(t, http.StatusCreated, status)
	var res DeploymentResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, runtime.SuspensionStateSuspended, res.Definitions[0].SuspensionState)
}

func TestSuspendActivateAndStart(t *testing.T) {
	rt := newRestTester(t)
	def := rt.deployOrder(t).Definitions[0]
	base := "/v1/definitions/" + def.Id

	status, _ := rt.do(t, http.MethodPost, base+"/suspend", nil, "")
	require.Equal(t, http.StatusNoContent, status)

	status, body := rt.do(t, http.MethodPost, base+"/start", strings.NewReader(`{"businessKey":"b-1"}`), "application/json")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(repository.ErrorKindSuspendedEntity), decodeError(t, body).Type)

	status, _ = rt.do(t, http.MethodPost, base+"/activate", strings.NewReader(`{"includeInstances":true}`), "application/json")
	require.Equal(t, http.StatusNoContent, status)

	status, body = rt.do(t, http.MethodPost, base+"/start", strings.NewReader(`{"businessKey":"b-1","variables":{"amount":3}}`), "application/json")
	require.Equal(t, http.StatusCreated, status, string(body))
	var instance ProcessInstanceResponse
	require.NoError(t, json.Unmarshal(body, &instance))
	assert.Equal(t, def.Id, instance.DefinitionId)
	assert.Equal(t, "review", instance.ActivityId)
	assert.Equal(t, "b-1", instance.BusinessKey)

	status, _ = rt.do(t, http.MethodPost, base+"/suspend", strings.NewReader(`{"includeInstances":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSuspendByKey(t *testing.T) {
	rt := newRestTester(t)
	def := rt.deployOrder(t).Definitions[0]

	status, _ := rt.do(t, http.MethodPost, "/v1/definitions/key/order/suspend?withoutTenantId=true", nil, "")
	require.Equal(t, http.StatusNoContent, status)
	_, body := rt.do(t, http.MethodGet, "/v1/definitions/"+def.Id, nil, "")
	assert.Contains(t, string(body), `"suspensionState":"SUSPENDED"`)

	status, _ = rt.do(t, http.MethodPost, "/v1/definitions/key/order/activate?kind=workflow", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = rt.do(t, http.MethodPost, "/v1/definitions/key/missing/activate", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = rt.do(t, http.MethodPost, "/v1/definitions/key/order/activate?tenantId=acme&withoutTenantId=true", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteDefinition(t *testing.T) {
	rt := newRestTester(t)
	def := rt.deployOrder(t).Definitions[0]
	base := "/v1/definitions/" + def.Id
	status, _ := rt.do(t, http.MethodPost, base+"/start", nil, "")
	require.Equal(t, http.StatusCreated, status)

	status, body := rt.do(t, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(repository.ErrorKindBlockedByRunningInstances), decodeError(t, body).Type)

	status, _ = rt.do(t, http.MethodDelete, base+"?cascade=yes", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = rt.do(t, http.MethodDelete, base+"?cascade=true", nil, "")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = rt.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeleteByKeyAndDeployment(t *testing.T) {
	rt := newRestTester(t)
	first := rt.deployOrder(t)
	second := rt.deployOrder(t)

	status, _ := rt.do(t, http.MethodDelete, "/v1/definitions/key/order", nil, "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = rt.do(t, http.MethodGet, "/v1/definitions/"+second.Definitions[0].Id, nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = rt.do(t, http.MethodDelete, "/v1/deployments/"+first.Id, nil, "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = rt.do(t, http.MethodDelete, "/v1/deployments/"+first.Id, nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCacheEndpoints(t *testing.T) {
	rt := newRestTester(t)
	rt.deployOrder(t)

	status, _ := rt.do(t, http.MethodDelete, "/v1/cache/process", nil, "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = rt.do(t, http.MethodDelete, "/v1/cache/workflow", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = rt.do(t, http.MethodDelete, "/v1/cache", nil, "")
	assert.Equal(t, http.StatusNoContent, status)
}

func TestSystemEndpoints(t *testing.T) {
	rt := newRestTester(t)

	status, body := rt.do(t, http.MethodGet, "/system/status", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"UP"}`, string(body))

	status, _ = rt.do(t, http.MethodGet, "/system/metrics", nil, "")
	assert.Equal(t, http.StatusOK, status)
}
