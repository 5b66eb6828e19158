package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tilefetch/internal/config"
	"github.com/MeKo-Tech/tilefetch/internal/tile"
	"github.com/MeKo-Tech/tilefetch/internal/validate"
)

// maxTileSize caps how much of a response body is read. Tiles are small;
// anything larger is a misbehaving server.
const maxTileSize = 32 << 20

// HTTPSource fetches tiles from a remote XYZ tile server.
type HTTPSource struct {
	name        string
	tileKind    string
	urlTemplate string
	headers     map[string]string
	userAgent   string
	minZoom     *uint32
	maxZoom     *uint32
	client      *http.Client
	validator   *validate.Validator
}

// NewHTTP creates an HTTP adapter for the given source spec. The client is
// sized to the worker pool so connections are reused across fetches.
func NewHTTP(spec config.Source, opts Options) (*HTTPSource, error) {
	if !strings.Contains(spec.URLTemplate, "{z}") ||
		!strings.Contains(spec.URLTemplate, "{x}") ||
		!strings.Contains(spec.URLTemplate, "{y}") {
		return nil, fmt.Errorf("source %q: urlTemplate must contain {z}, {x} and {y}", spec.Name)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: workers,
		MaxConnsPerHost:     workers,
		DisableCompression:  true,
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// One hop is allowed; anything longer is returned as-is.
			if len(via) > 1 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &HTTPSource{
		name:        spec.Name,
		tileKind:    spec.TileKind,
		urlTemplate: spec.URLTemplate,
		headers:     spec.Headers,
		userAgent:   opts.UserAgent,
		minZoom:     spec.MinZoom,
		maxZoom:     spec.MaxZoom,
		client:      client,
		validator:   opts.Validator,
	}, nil
}

func (s *HTTPSource) Name() string     { return s.name }
func (s *HTTPSource) TileKind() string { return s.tileKind }

// Accepts applies the declared zoom range; remote servers declare no bounds.
func (s *HTTPSource) Accepts(c tile.Coords) bool {
	return zoomAccepts(c.Z, s.minZoom, s.maxZoom)
}

// URL instantiates the template for a tile.
func (s *HTTPSource) URL(c tile.Coords) string {
	return strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(c.Z), 10),
		"{x}", strconv.FormatUint(uint64(c.X), 10),
		"{y}", strconv.FormatUint(uint64(c.Y), 10),
	).Replace(s.urlTemplate)
}

// Fetch issues one GET and maps the response onto a Result.
func (s *HTTPSource) Fetch(ctx context.Context, c tile.Coords) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(c), nil)
	if err != nil {
		return Result{Status: StatusInvalid, Source: s.name, Reason: err.Error()}
	}

	req.Header.Set("User-Agent", s.userAgent)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Status: StatusTransient, Source: s.name, Reason: "cancelled"}
		}
		// Timeouts, connection resets and TLS failures all land here.
		return Result{Status: StatusTransient, Source: s.name, Reason: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return s.classifyBody(resp)
	case resp.StatusCode == http.StatusNotFound:
		return Result{Status: StatusNotFound, Source: s.name}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Result{Status: StatusTransient, Source: s.name, Reason: resp.Status}
	default:
		// Remaining 4xx and unresolved redirects are not worth retrying.
		return Result{Status: StatusInvalid, Source: s.name, Reason: resp.Status}
	}
}

func (s *HTTPSource) classifyBody(resp *http.Response) Result {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileSize))
	if err != nil {
		return Result{Status: StatusTransient, Source: s.name, Reason: err.Error()}
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		body, err = gunzipBody(body)
		if err != nil {
			return Result{Status: StatusInvalid, Source: s.name, Reason: "bad gzip body: " + err.Error()}
		}
	}

	contentType := resp.Header.Get("Content-Type")

	if s.tileKind == config.TileKindVector {
		class, stored := s.validator.Vector(body)
		switch class {
		case validate.Valid:
			return Result{Status: StatusGot, Data: stored, ContentType: contentType, Source: s.name}
		case validate.Empty:
			return Result{Status: StatusEmpty, Source: s.name}
		default:
			return Result{Status: StatusInvalid, Source: s.name, Reason: "payload failed vector validation"}
		}
	}

	switch s.validator.Raster(body) {
	case validate.Valid:
		return Result{Status: StatusGot, Data: body, ContentType: contentType, Source: s.name}
	case validate.Empty:
		return Result{Status: StatusEmpty, Source: s.name}
	default:
		return Result{Status: StatusInvalid, Source: s.name, Reason: "payload failed raster validation"}
	}
}

// Close releases the client's idle connections.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func gunzipBody(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
