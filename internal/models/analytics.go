package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ===========================================
// ASSET ANALYTICS
// ===========================================

// AssetAnalytics is the running aggregate kept per asset. It is derived data:
// replaying the asset's events must reproduce it.
type AssetAnalytics struct {
	AssetID     string `json:"assetId"`
	Views       int64  `json:"views"`
	Conversions int64  `json:"conversions"`

	// Conversions for which a prior view was found. This is the sample count
	// behind AvgTimeToConvert.
	ConversionsWithView int64 `json:"conversionsWithView"`

	ConversionRate   float64   `json:"conversionRate"`
	AvgTimeToConvert float64   `json:"avgTimeToConvert"` // minutes
	UpdatedAt        time.Time `json:"updatedAt"`
}

func NewAssetAnalytics(assetID string) *AssetAnalytics {
	return &AssetAnalytics{AssetID: assetID}
}

// RecomputeRate sets ConversionRate to conversions/views, or 0 with no views.
func (a *AssetAnalytics) RecomputeRate() {
	if a.Views == 0 {
		a.ConversionRate = 0
		return
	}
	a.ConversionRate = float64(a.Conversions) / float64(a.Views)
}

// Validate rejects records that no sequence of events could have produced.
func (a *AssetAnalytics) Validate() error {
	switch {
	case a.AssetID == "":
		return errors.New("missing asset id")
	case a.Views < 0 || a.Conversions < 0 || a.ConversionsWithView < 0:
		return errors.New("negative counter")
	case a.ConversionsWithView > a.Conversions:
		return fmt.Errorf("conversionsWithView %d exceeds conversions %d", a.ConversionsWithView, a.Conversions)
	case math.IsNaN(a.ConversionRate) || math.IsInf(a.ConversionRate, 0) || a.ConversionRate < 0:
		return errors.New("invalid conversion rate")
	case math.IsNaN(a.AvgTimeToConvert) || math.IsInf(a.AvgTimeToConvert, 0) || a.AvgTimeToConvert < 0:
		return errors.New("invalid average time to convert")
	}
	return nil
}

// ===========================================
// LEAD
// ===========================================

// Lead is created exactly once per conversion event. EventID links it back to
// that event.
type Lead struct {
	ID            string    `json:"id"`
	EventID       string    `json:"eventId"`
	AssetID       string    `json:"assetId"`
	VisitorID     string    `json:"visitorId"`
	ConvertedAt   time.Time `json:"convertedAt"`
	TimeToConvert float64   `json:"timeToConvert"` // minutes, 0 when no view preceded
	Metadata      Metadata  `json:"metadata"`
}

// ===========================================
// ASSET
// ===========================================

// Asset is a directory entry for a lead magnet. The directory is owned by the
// CRUD side; analytics only reads id, owner, name and type.
type Asset struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
