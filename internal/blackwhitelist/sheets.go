package blackwhitelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrHTTPStatus       = errors.New("unexpected HTTP status")
	ErrMalformedPayload = errors.New("malformed spreadsheet payload")
)

// DefaultSheetsEndpoint Google Sheets values API
const DefaultSheetsEndpoint = "https://sheets.googleapis.com/v4/spreadsheets"

// SheetsSource 从表格 HTTP API 读取白名单:
// GET {endpoint}/{spreadsheetId}/values/{range}?key={apiKey}
type SheetsSource struct {
	Endpoint      string
	SpreadsheetID string
	Range         string
	APIKey        string
	Client        *http.Client
}

func NewSheetsSource(endpoint, spreadsheetID, rng, apiKey string, timeout time.Duration) *SheetsSource {
	if endpoint == "" {
		endpoint = DefaultSheetsEndpoint
	}
	if rng == "" {
		rng = "A:A"
	}
	return &SheetsSource{
		Endpoint:      strings.TrimRight(endpoint, "/"),
		SpreadsheetID: spreadsheetID,
		Range:         rng,
		APIKey:        apiKey,
		Client:        &http.Client{Timeout: timeout},
	}
}

type sheetsResponse struct {
	Range          *string `json:"range"`
	MajorDimension string  `json:"majorDimension"`
	Values         [][]any `json:"values"`
}

func (s *SheetsSource) URL() string {
	return fmt.Sprintf("%s/%s/values/%s?key=%s",
		s.Endpoint,
		url.PathEscape(s.SpreadsheetID),
		url.PathEscape(s.Range),
		url.QueryEscape(s.APIKey))
}

func (s *SheetsSource) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	var body sheetsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// range 总会返回；values 在区间为空时省略
	if body.Range == nil {
		return nil, fmt.Errorf("%w: missing range", ErrMalformedPayload)
	}
	return ParseRows(body.Values), nil
}

// ParseRows 每行第一个单元格是设备 ID；空单元格或 # 开头的行忽略
func ParseRows(rows [][]any) []string {
	var ids []string
	for _, row := range rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		cell, ok := row[0].(string)
		if !ok {
			cell = fmt.Sprint(row[0])
		}
		cell = strings.ReplaceAll(strings.TrimSpace(cell), `"`, "")
		if cell == "" || strings.HasPrefix(cell, "#") {
			continue
		}
		ids = append(ids, cell)
	}
	return ids
}
