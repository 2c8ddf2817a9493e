package spdcl

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PrevalidationStatus string

const (
	// the provider knows the service number and returns data for it
	PrevalidationOK PrevalidationStatus = "ok"
	// structurally fine, but the provider has no record of it
	PrevalidationInvalid PrevalidationStatus = "invalid"
	// transient provider failure, never to be treated as invalid
	PrevalidationGateway PrevalidationStatus = "gateway"
)

// record shape the provider's data API returns per service number
type billRecord struct {
	ConsumerName string      `json:"consumerName"`
	TotalDue     json.Number `json:"totalDue"`
}

// PrevalidateServiceNumber asks the provider's data API directly
// whether it will ever return data for this service number. used as a
// gate before accepting a new service registration, so we never store
// a number that can't be refreshed.
func (c Client) PrevalidateServiceNumber(ctx context.Context, serviceNumber string) (PrevalidationStatus, error) {
	ctx, span := tracer.Start(ctx, "PrevalidateServiceNumber")
	defer span.End()
	span.SetAttributes(attribute.String("service_number", serviceNumber))

	if cached, hit := c.prevalidated.Get(serviceNumber); hit {
		span.SetStatus(codes.Ok, "CACHE HIT")
		return cached, nil
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"scno": serviceNumber,
		}).
		Post(c.dataApiUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "data api unreachable")
		return PrevalidationGateway, fmt.Errorf("data api: %w", err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "data api returned non-200")
		return PrevalidationGateway, fmt.Errorf("data api returned status %d", res.StatusCode())
	}

	records, ok := decodeRecords(res.Body())
	if !ok {
		// a shape mismatch is indistinguishable from a provider outage
		// or an error page, so it must not collapse into "invalid"
		span.SetStatus(codes.Error, "data api response shape mismatch")
		return PrevalidationGateway, fmt.Errorf("data api response shape mismatch")
	}

	status := PrevalidationInvalid
	for _, r := range records {
		if r.ConsumerName != "" {
			status = PrevalidationOK
			break
		}
	}

	// gateway verdicts are transient and never cached
	c.prevalidated.Add(serviceNumber, status)

	span.SetAttributes(attribute.String("verdict", string(status)))
	return status, nil
}

func decodeRecords(body []byte) ([]billRecord, bool) {
	var records []billRecord
	if err := json.Unmarshal(body, &records); err == nil {
		return records, true
	}

	var single billRecord
	if err := json.Unmarshal(body, &single); err == nil {
		return []billRecord{single}, true
	}

	return nil, false
}
