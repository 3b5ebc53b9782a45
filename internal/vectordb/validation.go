package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when embedding dimensions don't match collection dimensions
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
	SuggestedAction   string
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d. %s",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension, e.SuggestedAction)
}

// ValidateEmbeddingDimensions checks the configured collection against ExpectedEmbeddingDim.
// An unreachable collection is logged, not returned.
func (c *Client) ValidateEmbeddingDimensions(ctx context.Context) error {
	if c == nil || !c.cfg.Enabled || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}

	info, err := c.CollectionInfo(ctx, c.cfg.Collection)
	if err != nil {
		c.log.Warn("Failed to get collection info during validation",
			zap.String("collection", c.cfg.Collection),
			zap.Error(err))
		return nil
	}
	if info.VectorSize != c.cfg.ExpectedEmbeddingDim {
		return DimensionMismatchError{
			Collection:        info.Name,
			ExpectedDimension: c.cfg.ExpectedEmbeddingDim,
			ReceivedDimension: info.VectorSize,
			SuggestedAction:   "Check embedding model configuration or recreate collection with correct dimensions",
		}
	}

	c.log.Info("Collection dimension validated",
		zap.String("collection", info.Name),
		zap.Int("dimension", info.VectorSize))
	return nil
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	Status      string
	VectorSize  int
	PointsCount int64
}

// CollectionInfo retrieves collection information from Qdrant. It doubles as the health check.
func (c *Client) CollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	if collection == "" {
		collection = c.cfg.Collection
	}
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &CollectionInfo{
		Name:        collection,
		Status:      result.Result.Status,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}
