package router

import (
	"context"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"github.com/patrickmn/go-cache"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const buckets = 100

// Assignment is the variant a contact runs for a flow slot. A nil Variant
// means the base flow.
type Assignment struct {
	FlowId     string
	Variant    *model.FlowVariant
	AssignedAt time.Time
}

func (a *Assignment) VariantId() string {
	if a.Variant == nil {
		return ""
	}
	return a.Variant.Id
}

type Router struct {
	store persistence.Storage
	cache *cache.Cache
	now   func() time.Time
}

func NewRouter(store persistence.Storage, ttl time.Duration) *Router {
	return &Router{
		store: store,
		cache: cache.New(ttl, 2*ttl),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Assign returns the contact's sticky variant for a flow slot, choosing one on
// first contact. Concurrent first calls converge on whichever insert won.
func (r *Router) Assign(ctx context.Context, organizationId string, contactId string, flowId string) (*Assignment, error) {
	key := cacheKey(organizationId, contactId, flowId)
	if v, ok := r.cache.Get(key); ok {
		return r.resolve(ctx, v.(*model.VariantAssignment))
	}
	stored, err := r.store.GetAssignment(ctx, organizationId, contactId, flowId)
	if err != nil && !api.IsNotFound(err) {
		return nil, err
	}
	if stored == nil {
		variants, err := r.store.ListVariants(ctx, organizationId, flowId, true)
		if err != nil {
			return nil, err
		}
		bucket := Bucket(contactId, flowId)
		chosen := ""
		if v := Pick(bucket, variants); v != nil {
			chosen = v.Id
		}
		stored, err = r.store.InsertAssignmentIfAbsent(ctx, &model.VariantAssignment{
			OrganizationId: organizationId,
			ContactId:      contactId,
			FlowId:         flowId,
			VariantId:      chosen,
			AssignedAt:     r.now(),
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("variant assigned",
			zap.String("flow", flowId),
			zap.String("contact", contactId),
			zap.Int("bucket", bucket),
			zap.String("variant", stored.VariantId))
	}
	r.cache.SetDefault(key, stored)
	return r.resolve(ctx, stored)
}

// Forget drops cached assignments of a contact, used when a journey restarts.
func (r *Router) Forget(organizationId string, contactId string, flowId string) {
	r.cache.Delete(cacheKey(organizationId, contactId, flowId))
}

func (r *Router) resolve(ctx context.Context, va *model.VariantAssignment) (*Assignment, error) {
	a := &Assignment{FlowId: va.FlowId, AssignedAt: va.AssignedAt}
	if va.VariantId == "" {
		return a, nil
	}
	variant, err := r.store.GetVariant(ctx, va.OrganizationId, va.VariantId)
	if err != nil {
		return nil, err
	}
	a.Variant = variant
	return a, nil
}

// Bucket maps a contact deterministically onto [0, 100) for a flow slot.
func Bucket(contactId string, flowId string) int {
	return int(murmur3.Sum32([]byte(contactId+":"+flowId)) % buckets)
}

// Pick walks the variants in order accumulating weights and returns the first
// whose cumulative boundary exceeds bucket, or nil for the base flow.
func Pick(bucket int, variants []*model.FlowVariant) *model.FlowVariant {
	cumulative := 0
	for _, v := range variants {
		if !v.Active || v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if bucket < cumulative {
			return v
		}
	}
	return nil
}

func cacheKey(organizationId string, contactId string, flowId string) string {
	return organizationId + ":" + contactId + ":" + flowId
}
