// Package registry is the service layer over GitLab instance connection
// records and project/group mappings. Constraint enforcement (uniqueness,
// referenced-instance existence) lives here, not in storage.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cache"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/cipher"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

// GatewayFactory builds a Gateway for an instance using its decrypted
// token. Injected so tests can substitute fakes.
type GatewayFactory func(baseURL, token string) gitlab.Gateway

// InstanceInput carries the writable instance fields.
type InstanceInput struct {
	Name          string `json:"name"`
	BaseURL       string `json:"base_url"`
	APIToken      string `json:"api_token"`
	WebhookSecret string `json:"webhook_secret"`
	InstanceType  string `json:"instance_type"`
	Active        *bool  `json:"active"`
}

// Instances manages GitLab server connection records.
type Instances struct {
	log     logrus.FieldLogger
	db      store.Store
	cache   cache.Store
	cipher  *cipher.Cipher
	gateway GatewayFactory
}

// NewInstances creates the instance registry service.
func NewInstances(
	log logrus.FieldLogger,
	db store.Store,
	cacheStore cache.Store,
	tokenCipher *cipher.Cipher,
	gateway GatewayFactory,
) *Instances {
	return &Instances{
		log:     log.WithField("component", "registry"),
		db:      db,
		cache:   cacheStore,
		cipher:  tokenCipher,
		gateway: gateway,
	}
}

// Create validates and stores a new instance. The API token is
// encrypted before it touches storage.
func (r *Instances) Create(
	ctx context.Context, in InstanceInput,
) (*store.Instance, error) {
	if err := validateInstanceInput(in, true); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(in.BaseURL, "/")

	if _, err := r.db.GetInstanceByBaseURL(ctx, baseURL); err == nil {
		return nil, apperrors.Conflict(
			"an active instance with base url %q already exists", baseURL)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	encrypted, err := r.cipher.Encrypt(in.APIToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting api token: %w", err)
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}

	inst := &store.Instance{
		Name:           in.Name,
		BaseURL:        baseURL,
		EncryptedToken: encrypted,
		WebhookSecret:  in.WebhookSecret,
		InstanceType:   normalizeInstanceType(in.InstanceType),
		Active:         active,
	}

	if err := r.db.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	r.log.WithField("instance", inst.ID).
		WithField("base_url", inst.BaseURL).
		Info("GitLab instance created")

	return inst, nil
}

// Update applies the changed fields and returns the re-fetched merged
// record so staleness cannot leak into cache invalidation.
func (r *Instances) Update(
	ctx context.Context, id uint, in InstanceInput,
) (*store.Instance, error) {
	inst, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != "" {
		inst.Name = in.Name
	}

	if in.BaseURL != "" {
		baseURL := strings.TrimRight(in.BaseURL, "/")
		if err := validateBaseURL(baseURL); err != nil {
			return nil, err
		}

		if other, err := r.db.GetInstanceByBaseURL(ctx, baseURL); err == nil && other.ID != id {
			return nil, apperrors.Conflict(
				"an active instance with base url %q already exists", baseURL)
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		inst.BaseURL = baseURL
	}

	if in.APIToken != "" {
		encrypted, err := r.cipher.Encrypt(in.APIToken)
		if err != nil {
			return nil, fmt.Errorf("encrypting api token: %w", err)
		}

		inst.EncryptedToken = encrypted
	}

	if in.WebhookSecret != "" {
		inst.WebhookSecret = in.WebhookSecret
	}

	if in.InstanceType != "" {
		inst.InstanceType = normalizeInstanceType(in.InstanceType)
	}

	if in.Active != nil {
		inst.Active = *in.Active
	}

	if err := r.db.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}

	cache.InvalidateInstance(r.cache, id)

	// Return the stored record, not the patched struct.
	return r.get(ctx, id)
}

// Delete removes the instance and every cache entry scoped to it.
func (r *Instances) Delete(ctx context.Context, id uint) error {
	if _, err := r.get(ctx, id); err != nil {
		return err
	}

	if err := r.db.DeleteInstance(ctx, id); err != nil {
		return err
	}

	cache.InvalidateInstance(r.cache, id)

	r.log.WithField("instance", id).Info("GitLab instance deleted")

	return nil
}

// Get returns the instance by id.
func (r *Instances) Get(ctx context.Context, id uint) (*store.Instance, error) {
	return r.get(ctx, id)
}

// GetActive returns the instance only if it exists and is active.
func (r *Instances) GetActive(
	ctx context.Context, id uint,
) (*store.Instance, error) {
	inst, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !inst.Active {
		return nil, apperrors.Validation("instance %d is not active", id)
	}

	return inst, nil
}

// List returns all instances, optionally only active ones.
func (r *Instances) List(
	ctx context.Context, activeOnly bool,
) ([]store.Instance, error) {
	return r.db.ListInstances(ctx, activeOnly)
}

// Token returns the decrypted API token for an instance. A value that
// was never encrypted comes back unchanged (legacy plaintext tokens).
func (r *Instances) Token(inst *store.Instance) string {
	return r.cipher.Decrypt(inst.EncryptedToken)
}

// Gateway builds an API gateway bound to the instance's credentials.
func (r *Instances) Gateway(inst *store.Instance) gitlab.Gateway {
	return r.gateway(inst.BaseURL, r.Token(inst))
}

// TestConnection verifies the instance's base URL and token.
func (r *Instances) TestConnection(ctx context.Context, id uint) error {
	inst, err := r.GetActive(ctx, id)
	if err != nil {
		return err
	}

	return r.Gateway(inst).TestConnection(ctx)
}

func (r *Instances) get(ctx context.Context, id uint) (*store.Instance, error) {
	inst, err := r.db.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("instance %d not found", id)
		}

		return nil, err
	}

	return inst, nil
}

func validateInstanceInput(in InstanceInput, creating bool) error {
	if creating {
		if in.Name == "" {
			return apperrors.Validation("name is required").
				WithDetail("field", "name")
		}

		if in.APIToken == "" {
			return apperrors.Validation("api token is required").
				WithDetail("field", "api_token")
		}

		if err := validateBaseURL(in.BaseURL); err != nil {
			return err
		}
	}

	return nil
}

func validateBaseURL(baseURL string) error {
	if baseURL == "" {
		return apperrors.Validation("base url is required").
			WithDetail("field", "base_url")
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.Validation("malformed base url %q", baseURL).
			WithDetail("field", "base_url")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Validation("base url must use http or https").
			WithDetail("field", "base_url")
	}

	return nil
}

func normalizeInstanceType(t string) string {
	switch t {
	case store.InstanceGitLabCom, "gitlab.com":
		return store.InstanceGitLabCom
	default:
		return store.InstanceSelfHosted
	}
}
