package odata

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/erpconnect/pkg/config"
	"github.com/ajitpratap0/erpconnect/pkg/connector/core"
	"github.com/ajitpratap0/erpconnect/pkg/connector/registry"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/testutil"
)

func odataConfig(baseURL, version string, csrf bool) *config.ConnectorConfig {
	cfg := testutil.ConnectorConfig("odata-1", baseURL+"/odata", config.ProtocolOData)
	cfg.ERPType = "sap"
	cfg.OData = config.ODataConfig{Version: version, CSRF: csrf}
	return cfg
}

func newConnected(t *testing.T, version string, csrf bool, handler http.HandlerFunc) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewConnector(odataConfig(srv.URL, version, csrf))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestConnector_V4QueryAndNextLink(t *testing.T) {
	var pages int32
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/odata/$metadata":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, v4EDMX)
		case "/odata/People":
			assert.Equal(t, "4.0", r.Header.Get("OData-Version"))
			atomic.AddInt32(&pages, 1)
			if r.URL.Query().Get("$skiptoken") == "" {
				assert.Equal(t, "$top=2&$count=true", r.URL.RawQuery)
				writeJSON(w, http.StatusOK, `{"@odata.count":3,"value":[{"UserName":"a"},{"UserName":"b"}],`+
					`"@odata.nextLink":"http://`+r.Host+`/odata/People?$skiptoken=2"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"value":[{"UserName":"c"}]}`)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	ctx := context.Background()
	opts := &QueryOptions{Top: 2, Count: true}

	page, err := c.Query(ctx, "People", opts)
	require.NoError(t, err)
	require.Len(t, page.Value, 2)
	require.NotNil(t, page.Count)
	assert.Equal(t, int64(3), *page.Count)
	assert.Contains(t, page.NextLink, "$skiptoken=2")

	all, err := c.GetAll(ctx, "People", opts, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "c", all[2]["UserName"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&pages))

	md, err := c.Metadata(ctx)
	require.NoError(t, err)
	_, ok := md.EntitySet("People")
	assert.True(t, ok)
}

func TestConnector_GetAllStopsAtMaxPages(t *testing.T) {
	var pages int32
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/odata/Items" {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&pages, 1)
		writeJSON(w, http.StatusOK, `{"value":[{"ID":1}],"@odata.nextLink":"Items?$skiptoken=x"}`)
	})

	all, err := c.GetAll(context.Background(), "Items", nil, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))
}

func TestConnector_V2Envelope(t *testing.T) {
	c := newConnected(t, "v2", false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2.0", r.Header.Get("DataServiceVersion"))
		switch r.URL.Path {
		case "/odata/Products":
			assert.Equal(t, "allpages", r.URL.Query().Get("$inlinecount"))
			writeJSON(w, http.StatusOK, `{"d":{"results":[{"ID":"A1"},{"ID":"A2"}],"__count":"7","__next":"Products?$skiptoken='A2'"}}`)
		case "/odata/Products('A1')":
			writeJSON(w, http.StatusOK, `{"d":{"ID":"A1","Name":"Bolt"}}`)
		case "/odata/Products/$count":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "42")
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	ctx := context.Background()

	page, err := c.Query(ctx, "Products", &QueryOptions{Count: true})
	require.NoError(t, err)
	assert.Len(t, page.Value, 2)
	require.NotNil(t, page.Count)
	assert.Equal(t, int64(7), *page.Count)
	assert.Equal(t, "Products?$skiptoken='A2'", page.NextLink)

	entity, err := c.GetEntity(ctx, "Products", "A1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bolt", entity["Name"])

	n, err := c.Count(ctx, "Products", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestConnector_CSRFRefetchOnRejectedWrite(t *testing.T) {
	var fetches, posts int32
	c := newConnected(t, "v2", true, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") == "Fetch" {
			n := atomic.AddInt32(&fetches, 1)
			http.SetCookie(w, &http.Cookie{Name: "SAP_SESSIONID", Value: "s1", Path: "/"})
			w.Header().Set("X-CSRF-Token", map[int32]string{1: "tok-1", 2: "tok-2"}[n])
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/odata/Orders" {
			w.WriteHeader(http.StatusOK)
			return
		}

		atomic.AddInt32(&posts, 1)
		cookie, err := r.Cookie("SAP_SESSIONID")
		assert.NoError(t, err)
		if cookie != nil {
			assert.Equal(t, "s1", cookie.Value)
		}
		if r.Header.Get("X-CSRF-Token") != "tok-2" {
			w.Header().Set("X-CSRF-Token", "Required")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusCreated, `{"d":{"OrderID":"1"}}`)
	})

	created, err := c.CreateEntity(context.Background(), "Orders", map[string]string{"Customer": "C1"})
	require.NoError(t, err)
	assert.Equal(t, "1", created["OrderID"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
	assert.Equal(t, int32(2), atomic.LoadInt32(&posts))
}

func TestConnector_Writes(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/odata/Orders") {
			mu.Lock()
			got = append(got, r.Method+" "+r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()
	key := map[string]interface{}{"OrderID": "1", "Year": 2024}

	require.NoError(t, c.UpdateEntity(ctx, "Orders", key, map[string]int{"Qty": 1}))
	require.NoError(t, c.PatchEntity(ctx, "Orders", key, map[string]int{"Qty": 2}))
	require.NoError(t, c.DeleteEntity(ctx, "Orders", key))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /odata/Orders(OrderID='1',Year=2024)",
		"PATCH /odata/Orders(OrderID='1',Year=2024)",
		"DELETE /odata/Orders(OrderID='1',Year=2024)",
	}, got)
}

func TestConnector_FunctionsAndActions(t *testing.T) {
	t.Run("v4", func(t *testing.T) {
		c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/odata/GetNearestAirport(lat=1.5,lon=2)":
				assert.Equal(t, http.MethodGet, r.Method)
				writeJSON(w, http.StatusOK, `{"@odata.context":"$metadata#Edm.String","value":"SFO"}`)
			case "/odata/ResetData":
				assert.Equal(t, http.MethodPost, r.Method)
				body, _ := io.ReadAll(r.Body)
				assert.JSONEq(t, `{"force":true}`, string(body))
				w.WriteHeader(http.StatusNoContent)
			default:
				w.WriteHeader(http.StatusOK)
			}
		})
		ctx := context.Background()

		out, err := c.CallFunction(ctx, "GetNearestAirport", map[string]interface{}{"lat": 1.5, "lon": 2})
		require.NoError(t, err)
		assert.Equal(t, "SFO", out)

		_, err = c.CallAction(ctx, "ResetData", map[string]interface{}{"force": true})
		require.NoError(t, err)
	})

	t.Run("v2 function import declared POST", func(t *testing.T) {
		c := newConnected(t, "v2", false, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/odata/$metadata":
				w.Header().Set("Content-Type", "application/xml")
				_, _ = io.WriteString(w, v2WithAssociations)
			case "/odata/ReleaseOrder":
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "OrderID='1'", r.URL.RawQuery)
				writeJSON(w, http.StatusOK, `{"d":{"OrderID":"1","Status":"R"}}`)
			default:
				w.WriteHeader(http.StatusOK)
			}
		})

		out, err := c.CallFunction(context.Background(), "ReleaseOrder", map[string]interface{}{"OrderID": "1"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"OrderID": "1", "Status": "R"}, out)
	})
}

const batchResponse = "--batchresp\r\n" +
	"Content-Type: application/http\r\n" +
	"Content-Transfer-Encoding: binary\r\n\r\n" +
	"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" +
	`{"ID":1}` + "\r\n" +
	"--batchresp\r\n" +
	"Content-Type: multipart/mixed; boundary=csresp\r\n\r\n" +
	"--csresp\r\n" +
	"Content-Type: application/http\r\n" +
	"Content-Transfer-Encoding: binary\r\n" +
	"Content-ID: 1\r\n\r\n" +
	"HTTP/1.1 400 Bad Request\r\nContent-Type: application/json\r\n\r\n" +
	`{"error":{"message":"bad"}}` + "\r\n" +
	"--csresp--\r\n" +
	"\r\n--batchresp--\r\n"

func TestConnector_Batch(t *testing.T) {
	var body atomic.Value
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/odata/$batch" {
			w.WriteHeader(http.StatusOK)
			return
		}
		mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		assert.NoError(t, err)
		assert.Equal(t, "multipart/mixed", mt)
		assert.True(t, strings.HasPrefix(params["boundary"], "batch_"))
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))

		w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresp")
		_, _ = io.WriteString(w, batchResponse)
	})

	results, err := c.Batch(context.Background(), []BatchRequest{
		{Path: "Products(1)", Query: &QueryOptions{Select: []string{"ID"}}},
		{Method: http.MethodPost, Path: "/Products", Body: map[string]string{"Name": "x"}},
	})
	require.NoError(t, err)

	sent, _ := body.Load().(string)
	assert.Contains(t, sent, "GET Products(1)?$select=ID HTTP/1.1\r\n")
	assert.Contains(t, sent, "boundary=changeset_")
	assert.Contains(t, sent, "POST Products HTTP/1.1\r\n")
	assert.Contains(t, sent, `{"Name":"x"}`)

	// the multipart reply is not decoded
	require.NotNil(t, results)
	assert.Empty(t, results)
}

func TestConnector_BatchReturnsHTTPError(t *testing.T) {
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/odata/$batch" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"malformed batch"}}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	results, err := c.Batch(context.Background(), []BatchRequest{{Path: "Products(1)"}})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Equal(t, http.StatusBadRequest, errors.StatusCode(err))
}

func TestConnector_DisconnectClearsState(t *testing.T) {
	c := newConnected(t, "v4", false, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/odata/$metadata" {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, minimalV2EDMX)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	md, err := c.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, V2, md.Version)

	require.NoError(t, c.Disconnect(ctx))
	assert.Nil(t, c.cachedMetadata())

	_, err = c.Metadata(ctx)
	assert.True(t, errors.IsReason(err, errors.ReasonNotConnected))
	_, err = c.Query(ctx, "Products", nil)
	assert.True(t, errors.IsReason(err, errors.ReasonNotConnected))
}

func TestParseCollection(t *testing.T) {
	res, err := parseCollection(map[string]interface{}{"d": []interface{}{map[string]interface{}{"ID": 1.0}}})
	require.NoError(t, err)
	assert.Len(t, res.Value, 1)

	res, err = parseCollection(map[string]interface{}{"value": []interface{}{"a", "b"}, "odata.count": "2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"value": "a"}, res.Value[0])
	assert.Equal(t, int64(2), *res.Count)

	_, err = parseCollection("<html/>")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestInit_RegistersProtocol(t *testing.T) {
	var info core.Info
	for _, p := range registry.Protocols() {
		if p.Protocol == config.ProtocolOData {
			info = p
		}
	}
	require.Equal(t, config.ProtocolOData, info.Protocol)
	assert.Contains(t, info.Capabilities, "batch")

	// a second registration fails, which init turns into a panic
	err := registry.RegisterProtocol(config.ProtocolOData, nil, core.Info{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
