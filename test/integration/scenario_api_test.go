package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kelseywhytock/extension-wrangler/internal/api"
	"github.com/kelseywhytock/extension-wrangler/internal/groups"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestScenario_HTTPSurfaceDrivesBridge tests the API against a live bridge connection
func TestScenario_HTTPSurfaceDrivesBridge(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()
	require.NoError(t, env.StartGuardian(reassertDelay))

	srv := httptest.NewServer(api.NewServer(env.Org, env.Guardian, env.Clock, env.Logger, 0).Handler())
	defer srv.Close()

	t.Log("WHEN: A group is created and disabled over HTTP")
	resp := post(t, srv.URL+"/api/groups", `{"name":"Reading","extensions":["darkreader","colorzilla"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created groups.Group
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = post(t, srv.URL+"/api/groups/"+created.ID+"/toggle", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Log("THEN: The bridge sees the members disabled")
	assert.False(t, env.Bridge.IsEnabled("darkreader"))
	assert.False(t, env.Bridge.IsEnabled("colorzilla"))

	t.Log("WHEN: The messaging protocol enables one extension")
	resp = post(t, srv.URL+"/api/message", `{"action":"toggleExtension","extensionId":"darkreader","enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack["success"])
	assert.True(t, env.Bridge.IsEnabled("darkreader"))

	t.Log("THEN: Disabling the Fixed group is refused")
	resp = post(t, srv.URL+"/api/groups/always-on/toggle", `{"enabled":false}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
