// Package httpapi implements the remote record store contract over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voltmep/fieldsync/internal/models"
	"github.com/voltmep/fieldsync/internal/remote"
	"github.com/voltmep/fieldsync/pkg/api"
)

// TokenFunc supplies the bearer token for a request. Session management is
// owned by the caller; the client only forwards the opaque token.
type TokenFunc func(ctx context.Context) (string, error)

// Client представляет HTTP клиент серверного хранилища записей
type Client struct {
	httpClient *http.Client
	token      TokenFunc
	baseURL    string
}

// NewClient создает новый клиент хранилища записей
func NewClient(baseURL string, token TokenFunc) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// ConditionalWrite applies one mutation iff the server's current version
// matches ExpectedVersion. A 409 is decoded into WriteResult{Applied:false}
// with the server's snapshot attached, not returned as an error.
func (c *Client) ConditionalWrite(ctx context.Context, req remote.WriteRequest) (*remote.WriteResult, error) {
	wireReq := api.WriteRequest{
		MutationID:      req.MutationID,
		Operation:       string(req.Operation),
		Payload:         req.Payload,
		ExpectedVersion: req.ExpectedVersion,
		Force:           req.Force,
	}

	path := fmt.Sprintf("/api/v1/records/%s/%s",
		url.PathEscape(string(req.Domain)), url.PathEscape(req.EntityID))

	var wireResp api.WriteResponse
	if err := c.doRequest(ctx, http.MethodPut, path, req.MutationID, wireReq, &wireResp); err != nil {
		return nil, fmt.Errorf("conditional write failed: %w", err)
	}

	result := &remote.WriteResult{
		Applied:    wireResp.Applied,
		NewVersion: wireResp.NewVersion,
	}
	if wireResp.Snapshot != nil {
		result.Snapshot = snapshotFromWire(wireResp.Snapshot)
	}

	return result, nil
}

// Read fetches the current server snapshot of an entity.
// Returns (nil, nil) when the entity does not exist on the server.
func (c *Client) Read(ctx context.Context, domain models.Domain, entityID string) (*models.Snapshot, error) {
	path := fmt.Sprintf("/api/v1/records/%s/%s",
		url.PathEscape(string(domain)), url.PathEscape(entityID))

	var wireSnap api.RecordSnapshot
	err := c.doRequest(ctx, http.MethodGet, path, "", nil, &wireSnap)
	if err != nil {
		var re *remote.Error
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("read request failed: %w", err)
	}

	return snapshotFromWire(&wireSnap), nil
}

// doRequest выполняет HTTP запрос и классифицирует ошибки для retry-политики
func (c *Client) doRequest(ctx context.Context, method, path, idempotencyKey string, body, result any) error {
	reqURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Сеть недоступна или таймаут - transient
		return remote.NewTransient(0, "", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.NewTransient(resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err))
	}

	// Проверяем статус код
	// 409 - это не ошибка: сервер вернул конфликт версий с текущим снимком
	if code := resp.StatusCode; (code < 200 || code >= 300) && code != http.StatusConflict {
		message := string(respBody)
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			message = errResp.Message
		}

		if code >= 500 {
			return remote.NewTransient(code, message, nil)
		}
		return remote.NewPermanent(code, message, nil)
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func snapshotFromWire(w *api.RecordSnapshot) *models.Snapshot {
	return &models.Snapshot{
		Domain:    models.Domain(w.Domain),
		EntityID:  w.EntityID,
		Version:   w.Version,
		Data:      w.Data,
		UpdatedAt: w.UpdatedAt,
	}
}
