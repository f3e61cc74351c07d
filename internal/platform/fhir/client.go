package fhir

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/hipaa"
)

// DefaultMaxPages bounds SearchAll when the caller passes no limit.
const DefaultMaxPages = 10

// Pager is implemented by backends that can follow Bundle paging links.
type Pager interface {
	SearchPage(ctx context.Context, accessToken, resourceType, pageURL string) (*Bundle, error)
}

// Client exposes typed operations for the supported resource types over a
// Backend chosen once at construction.
type Client struct {
	backend  Backend
	cache    Cache
	exporter *Exporter
	logger   zerolog.Logger
}

// NewClient creates a Client. cache may be nil.
func NewClient(backend Backend, cache Cache, auditor hipaa.Auditor, logger zerolog.Logger) *Client {
	return &Client{
		backend:  backend,
		cache:    cache,
		exporter: NewExporter(backend, auditor, logger),
		logger:   logger.With().Str("component", "fhir-client").Logger(),
	}
}

// Backend returns the backend the client was built with.
func (c *Client) Backend() Backend { return c.backend }

// Exporter returns the bulk export orchestrator bound to the same backend.
func (c *Client) Exporter() *Exporter { return c.exporter }

// Resource returns the operations for resourceType, which must be one of
// SupportedResourceTypes.
func (c *Client) Resource(resourceType string) (*ResourceOps, error) {
	if !IsSupportedResourceType(resourceType) {
		return nil, apperr.Validation("unsupported resource type %q", resourceType)
	}
	return &ResourceOps{client: c, resourceType: resourceType}, nil
}

func (c *Client) ops(resourceType string) *ResourceOps {
	return &ResourceOps{client: c, resourceType: resourceType}
}

func (c *Client) Patients() *ResourceOps           { return c.ops(ResourcePatient) }
func (c *Client) Appointments() *ResourceOps       { return c.ops(ResourceAppointment) }
func (c *Client) Conditions() *ResourceOps         { return c.ops(ResourceCondition) }
func (c *Client) Observations() *ResourceOps       { return c.ops(ResourceObservation) }
func (c *Client) MedicationRequests() *ResourceOps { return c.ops(ResourceMedicationRequest) }
func (c *Client) AllergyIntolerances() *ResourceOps {
	return c.ops(ResourceAllergyIntolerance)
}
func (c *Client) Immunizations() *ResourceOps      { return c.ops(ResourceImmunization) }
func (c *Client) DocumentReferences() *ResourceOps { return c.ops(ResourceDocumentReference) }
func (c *Client) ExplanationOfBenefits() *ResourceOps {
	return c.ops(ResourceExplanationOfBenefit)
}
func (c *Client) ChargeItems() *ResourceOps { return c.ops(ResourceChargeItem) }

// ResourceOps are the CRUD and search operations of one resource type.
type ResourceOps struct {
	client       *Client
	resourceType string
}

// Type returns the resource type the operations act on.
func (o *ResourceOps) Type() string { return o.resourceType }

func (o *ResourceOps) Create(ctx context.Context, accessToken string, resource Resource) (Resource, error) {
	return o.client.backend.Create(ctx, accessToken, o.resourceType, resource)
}

// Read returns a cached copy when one is available, else fetches and caches
// the resource.
func (o *ResourceOps) Read(ctx context.Context, accessToken, id string) (Resource, error) {
	if id == "" {
		return nil, apperr.Validation("%s read requires an id", o.resourceType)
	}
	c := o.client
	if c.cache != nil {
		res, ok, err := c.cache.Get(ctx, o.resourceType, id)
		if err != nil {
			c.logger.Warn().Err(err).Str("resource_type", o.resourceType).Msg("cache lookup failed")
		} else if ok {
			return res, nil
		}
	}

	res, err := c.backend.Read(ctx, accessToken, o.resourceType, id)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Put(ctx, o.resourceType, id, res); err != nil {
			c.logger.Warn().Err(err).Str("resource_type", o.resourceType).Msg("cache store failed")
		}
	}
	return res, nil
}

// Update replaces the resource. A body id that differs from id is rejected.
func (o *ResourceOps) Update(ctx context.Context, accessToken, id string, resource Resource) (Resource, error) {
	if id == "" {
		return nil, apperr.Validation("%s update requires an id", o.resourceType)
	}
	if bodyID := resource.ID(); bodyID != "" && bodyID != id {
		return nil, apperr.Validation("resource id %q does not match path id %q", bodyID, id)
	}
	defer o.invalidate(ctx, id)
	return o.client.backend.Update(ctx, accessToken, o.resourceType, id, resource)
}

func (o *ResourceOps) Delete(ctx context.Context, accessToken, id string) error {
	if id == "" {
		return apperr.Validation("%s delete requires an id", o.resourceType)
	}
	defer o.invalidate(ctx, id)
	return o.client.backend.Delete(ctx, accessToken, o.resourceType, id)
}

func (o *ResourceOps) Search(ctx context.Context, accessToken string, params url.Values) (*Bundle, error) {
	return o.client.backend.Search(ctx, accessToken, o.resourceType, params)
}

// SearchAll runs a search and follows next links for up to maxPages pages
// when the backend supports paging. A non-positive maxPages uses
// DefaultMaxPages.
func (o *ResourceOps) SearchAll(ctx context.Context, accessToken string, params url.Values, maxPages int) ([]Resource, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	bundle, err := o.Search(ctx, accessToken, params)
	if err != nil {
		return nil, err
	}
	out := bundle.Resources()

	pager, ok := o.client.backend.(Pager)
	for page := 1; ok && page < maxPages; page++ {
		next := bundle.NextLink()
		if next == "" {
			break
		}
		bundle, err = pager.SearchPage(ctx, accessToken, o.resourceType, next)
		if err != nil {
			return nil, err
		}
		out = append(out, bundle.Resources()...)
	}
	return out, nil
}

func (o *ResourceOps) invalidate(ctx context.Context, id string) {
	if o.client.cache == nil {
		return
	}
	if err := o.client.cache.Invalidate(ctx, o.resourceType, id); err != nil {
		o.client.logger.Warn().Err(err).Str("resource_type", o.resourceType).Msg("cache invalidation failed")
	}
}
