// Package http provides HTTP middleware for usage metering and quota
// enforcement.
package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/crmforge/metering/pkg/metering"
)

// CompanyIDExtractor extracts the company ID from an HTTP request.
// Return empty string if the caller is not authenticated.
type CompanyIDExtractor func(r *http.Request) string

// ResourceExtractor extracts the resource type from an HTTP request.
type ResourceExtractor func(r *http.Request) metering.ResourceType

// AmountExtractor calculates the usage amount from the request.
// For example: count API calls as 1, or derive bytes from the request body.
type AmountExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration.
type Config struct {
	// Manager is the metering manager instance (required)
	Manager *metering.Manager

	// GetCompanyID extracts the company ID from the request (required)
	GetCompanyID CompanyIDExtractor

	// GetResource extracts the resource type from the request (required)
	GetResource ResourceExtractor

	// GetAmount calculates the usage amount from the request (required)
	GetAmount AmountExtractor

	// OnRejected is called when usage is rejected over the limit
	// If nil, returns 429 Too Many Requests
	OnRejected func(w http.ResponseWriter, r *http.Request, usage *metering.ResourceUsage)

	// OnUnauthorized is called when no company could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, unknown companies get 403 Forbidden and everything else 500
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that meters usage and rejects
// requests over the configured limit.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			companyID := config.GetCompanyID(r)
			if companyID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			resource := config.GetResource(r)
			amount, err := config.GetAmount(r)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			ctx := r.Context()
			admitted, err := config.Manager.TrackUsage(ctx, companyID, resource, amount)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if metering.IsCompanyNotFound(err) {
					http.Error(w, "Forbidden", http.StatusForbidden)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !admitted {
				// Fetch the entry for the error response
				usage, _ := config.Manager.GetResourceUsage(ctx, companyID, resource)
				if config.OnRejected != nil {
					config.OnRejected(w, r, usage)
				} else {
					msg := "Usage limit exceeded"
					if usage != nil {
						msg = fmt.Sprintf("Usage limit exceeded: %d/%d %s used",
							usage.CurrentValue, usage.MaxValue, resource)
					}
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc chains.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FromHeader returns a CompanyIDExtractor that reads a request header.
func FromHeader(header string) CompanyIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// FixedResource returns a ResourceExtractor that always returns the same
// resource type.
func FixedResource(resource metering.ResourceType) ResourceExtractor {
	return func(r *http.Request) metering.ResourceType {
		return resource
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// BodyLength returns an AmountExtractor that uses the request body length.
// Useful for metering bytes of storage.
func BodyLength() AmountExtractor {
	return func(r *http.Request) (int64, error) {
		if r.Body == nil {
			return 0, nil
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}

		// Restore body for the next handler
		r.Body = io.NopCloser(bytes.NewReader(body))

		return int64(len(body)), nil
	}
}
