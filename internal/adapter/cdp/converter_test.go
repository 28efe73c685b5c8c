package cdp

import (
	"encoding/json"
	"testing"
	"time"

	"netbridge/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func marshal(t *testing.T, v any) gjson.Result {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return gjson.ParseBytes(b)
}

func TestToRequestWillBeSent(t *testing.T) {
	c := NewClock()
	req := traffic.NewRequest()
	req.ID = "r1"
	req.URL = "https://example.com/a"
	req.Method = "POST"
	req.Body = []byte(`{"k":1}`)
	req.Headers = traffic.Headers{{Name: "Accept", Value: "application/json"}}

	ev := marshal(t, ToRequestWillBeSent(c, req, "loader", time.Now()))

	assert.Equal(t, "r1", ev.Get("requestId").String())
	assert.Equal(t, "loader", ev.Get("loaderId").String())
	assert.Equal(t, "https://example.com/a", ev.Get("request.url").String())
	assert.Equal(t, "POST", ev.Get("request.method").String())
	assert.Equal(t, "application/json", ev.Get("request.headers.Accept").String())
	assert.Equal(t, `{"k":1}`, ev.Get("request.postData").String())
}

func TestToResponseReceived(t *testing.T) {
	c := NewClock()
	res := traffic.NewResponse()
	res.RequestID = "r1"
	res.StatusCode = 201
	res.ReasonPhrase = "Created"
	res.ConnectionID = 9
	res.Headers = traffic.Headers{{Name: "Content-Type", Value: "application/json; charset=utf-8"}}

	ev := marshal(t, ToResponseReceived(c, res, "loader", time.Now()))

	assert.Equal(t, "r1", ev.Get("requestId").String())
	assert.Equal(t, "Fetch", ev.Get("type").String())
	assert.EqualValues(t, 201, ev.Get("response.status").Int())
	assert.Equal(t, "Created", ev.Get("response.statusText").String())
	assert.Equal(t, "application/json", ev.Get("response.mimeType").String())
	assert.EqualValues(t, 9, ev.Get("response.connectionId").Int())
	assert.False(t, ev.Get("response.fromDiskCache").Bool())
}

func TestToDataReceivedAndFailures(t *testing.T) {
	c := NewClock()
	now := time.Now()

	data := marshal(t, ToDataReceived(c, "r1", 10, 4, now))
	assert.EqualValues(t, 10, data.Get("dataLength").Int())
	assert.EqualValues(t, 4, data.Get("encodedDataLength").Int())

	failed := marshal(t, ToLoadingFailed(c, "r1", "boom", now))
	assert.Equal(t, "boom", failed.Get("errorText").String())

	finished := marshal(t, ToLoadingFinished(c, "r1", 12, now))
	assert.EqualValues(t, 12, finished.Get("encodedDataLength").Int())
}

func TestMimeTypeAndIsTextual(t *testing.T) {
	assert.Equal(t, "text/html", MimeType(traffic.Headers{{Name: "content-type", Value: "text/html; charset=utf-8"}}))
	assert.Empty(t, MimeType(nil))

	assert.True(t, IsTextual("application/json"))
	assert.True(t, IsTextual("application/problem+json"))
	assert.True(t, IsTextual("text/plain; charset=utf-8"))
	assert.False(t, IsTextual("image/png"))
	assert.False(t, IsTextual(""))
}
