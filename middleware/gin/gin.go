// Package gin provides Gin middleware for usage metering and quota
// enforcement.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/crmforge/metering/pkg/metering"
)

// CompanyIDExtractor extracts the company ID from a Gin context.
// Return empty string if the caller is not authenticated.
type CompanyIDExtractor func(c *gongin.Context) string

// ResourceExtractor extracts the resource type from a Gin context.
type ResourceExtractor func(c *gongin.Context) metering.ResourceType

// AmountExtractor calculates the usage amount from the Gin context.
type AmountExtractor func(c *gongin.Context) (int64, error)

// Config holds middleware configuration.
type Config struct {
	// Manager is the metering manager instance (required)
	Manager *metering.Manager

	// GetCompanyID extracts the company ID from the context (required)
	GetCompanyID CompanyIDExtractor

	// GetResource extracts the resource type from the context (required)
	GetResource ResourceExtractor

	// GetAmount calculates the usage amount from the context (required)
	GetAmount AmountExtractor

	// RejectedStatusCode is the HTTP status code returned when usage is
	// rejected over the limit
	// Default: 429 (Too Many Requests)
	RejectedStatusCode int

	// OnRejected is called when usage is rejected over the limit
	// If nil, uses the default JSON response with usage info
	OnRejected func(c *gongin.Context, usage *metering.ResourceUsage)

	// OnUnauthorized is called when no company could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, unknown companies get 403 Forbidden and everything else 500
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that meters usage and aborts requests
// over the configured limit.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("metering/gin: Config.Manager is required")
	}
	if cfg.GetCompanyID == nil {
		panic("metering/gin: Config.GetCompanyID is required")
	}
	if cfg.GetResource == nil {
		panic("metering/gin: Config.GetResource is required")
	}
	if cfg.GetAmount == nil {
		panic("metering/gin: Config.GetAmount is required")
	}

	if cfg.RejectedStatusCode == 0 {
		cfg.RejectedStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		companyID := cfg.GetCompanyID(c)
		if companyID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{
					"error": "unauthorized",
				})
			}
			c.Abort()
			return
		}

		resource := cfg.GetResource(c)
		amount, err := cfg.GetAmount(c)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{
					"error": "invalid usage amount",
				})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		admitted, err := cfg.Manager.TrackUsage(ctx, companyID, resource, amount)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else if metering.IsCompanyNotFound(err) {
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
					"error": "unknown company",
				})
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{
					"error": "internal error",
				})
			}
			c.Abort()
			return
		}
		if !admitted {
			usage, _ := cfg.Manager.GetResourceUsage(ctx, companyID, resource)
			if cfg.OnRejected != nil {
				cfg.OnRejected(c, usage)
			} else {
				body := gongin.H{
					"error":    "usage limit exceeded",
					"resource": resource,
				}
				if usage != nil {
					body["currentValue"] = usage.CurrentValue
					body["maxValue"] = usage.MaxValue
				}
				c.AbortWithStatusJSON(cfg.RejectedStatusCode, body)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

// Common extractors for convenience

// FromHeader returns a CompanyIDExtractor that reads a request header.
func FromHeader(header string) CompanyIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(header)
	}
}

// FromContextKey returns a CompanyIDExtractor that reads a value set by an
// earlier middleware (e.g. an auth layer) via c.Set.
func FromContextKey(key string) CompanyIDExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
}

// FixedResource returns a ResourceExtractor that always returns the same
// resource type.
func FixedResource(resource metering.ResourceType) ResourceExtractor {
	return func(c *gongin.Context) metering.ResourceType {
		return resource
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount.
func FixedAmount(amount int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return amount, nil
	}
}
