// Package catalog owns the quality-profile and voice-profile catalogs: the
// built-in profile set, immutability and referential-integrity guards, and
// default resolution. The stores underneath hold the records; the catalogs
// hold the rules.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/types"
)

// reservedPrefix guards the id namespace of built-in profiles. Custom
// profiles may not claim ids under it.
const reservedPrefix = "xtts_"

// Builtin profile ids.
const (
	ProfileFast        = "xtts_fast"
	ProfileBalanced    = "xtts_balanced"
	ProfileHighQuality = "xtts_high_quality"
)

// builtinProfiles is the profile set installed on startup. xtts_balanced is
// the initial default; operators may move the default afterwards.
var builtinProfiles = []types.QualityProfile{
	{
		ID:          ProfileFast,
		Name:        "Fast",
		Description: "Lowest latency, reduced prosody quality.",
		Engine:      types.EngineXTTS,
		Parameters: types.QualityParameters{
			Temperature:         0.65,
			TopP:                0.85,
			TopK:                50,
			RepetitionPenalty:   2.0,
			LengthPenalty:       1.0,
			Speed:               1.0,
			EnableTextSplitting: false,
		},
		IsBuiltin: true,
	},
	{
		ID:          ProfileBalanced,
		Name:        "Balanced",
		Description: "Default trade-off between latency and quality.",
		Engine:      types.EngineXTTS,
		Parameters: types.QualityParameters{
			Temperature:         0.65,
			TopP:                0.85,
			TopK:                50,
			RepetitionPenalty:   2.0,
			LengthPenalty:       1.0,
			Speed:               1.0,
			EnableTextSplitting: true,
		},
		IsDefault: true,
		IsBuiltin: true,
	},
	{
		ID:          ProfileHighQuality,
		Name:        "High Quality",
		Description: "Best prosody, slowest synthesis.",
		Engine:      types.EngineXTTS,
		Parameters: types.QualityParameters{
			Temperature:         0.75,
			TopP:                0.9,
			TopK:                70,
			RepetitionPenalty:   2.5,
			LengthPenalty:       1.0,
			Speed:               1.0,
			EnableTextSplitting: true,
			Denoise:             true,
		},
		IsBuiltin: true,
	},
}

// QualityCatalog enforces the quality-profile rules on top of the store.
type QualityCatalog struct {
	store  store.Store
	logger *slog.Logger
}

// NewQualityCatalog creates the catalog. Call [QualityCatalog.EnsureBuiltins]
// before serving requests.
func NewQualityCatalog(s store.Store, logger *slog.Logger) *QualityCatalog {
	return &QualityCatalog{store: s, logger: logger.With("component", "quality-catalog")}
}

// EnsureBuiltins installs any missing built-in profiles. Existing records are
// left untouched, so a moved default survives restarts. Idempotent.
func (c *QualityCatalog) EnsureBuiltins(ctx context.Context) error {
	for _, builtin := range builtinProfiles {
		_, err := c.store.GetQualityProfile(ctx, builtin.ID)
		if err == nil {
			continue
		}
		if types.KindOf(err) != types.KindNotFound {
			return err
		}
		builtin.CreatedAt = time.Now().UTC()
		if builtin.IsDefault {
			// A default may already exist from a previous run.
			if _, defErr := c.store.DefaultQualityProfile(ctx, builtin.Engine); defErr == nil {
				builtin.IsDefault = false
			}
		}
		if err := c.store.CreateQualityProfile(ctx, &builtin); err != nil {
			return err
		}
		c.logger.Info("installed builtin quality profile", "id", builtin.ID)
	}
	return nil
}

// Create adds a custom profile. The id is generated when empty; ids under the
// reserved prefix and already-taken ids are rejected with conflict. Custom
// profiles are never created as the default; use SetDefault.
func (c *QualityCatalog) Create(ctx context.Context, qp *types.QualityProfile) (*types.QualityProfile, error) {
	if err := qp.Parameters.Validate(); err != nil {
		return nil, err
	}
	if qp.Name == "" {
		return nil, types.E(types.KindValidation, "field name: must not be empty")
	}
	if qp.ID == "" {
		qp.ID = uuid.NewString()
	} else if strings.HasPrefix(qp.ID, reservedPrefix) {
		return nil, types.E(types.KindConflict, "profile id %q is reserved for builtins", qp.ID)
	}
	if _, err := c.store.GetQualityProfile(ctx, qp.ID); err == nil {
		return nil, types.E(types.KindConflict, "quality profile %q already exists", qp.ID)
	} else if types.KindOf(err) != types.KindNotFound {
		return nil, err
	}

	qp.Engine = types.EngineXTTS
	qp.IsBuiltin = false
	qp.IsDefault = false
	qp.CreatedAt = time.Now().UTC()
	if err := c.store.CreateQualityProfile(ctx, qp); err != nil {
		return nil, err
	}
	return qp, nil
}

// Get returns one profile.
func (c *QualityCatalog) Get(ctx context.Context, id string) (*types.QualityProfile, error) {
	return c.store.GetQualityProfile(ctx, id)
}

// List returns the profiles for an engine; empty engine lists all.
func (c *QualityCatalog) List(ctx context.Context, engine string) ([]types.QualityProfile, error) {
	return c.store.ListQualityProfiles(ctx, engine)
}

// Update modifies a custom profile's name, description, and parameters.
// Built-ins are immutable.
func (c *QualityCatalog) Update(ctx context.Context, id string, name, description *string, params *types.QualityParameters) (*types.QualityProfile, error) {
	cur, err := c.store.GetQualityProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.IsBuiltin {
		return nil, types.E(types.KindForbidden, "builtin profile %q is immutable", id)
	}

	if name != nil {
		if *name == "" {
			return nil, types.E(types.KindValidation, "field name: must not be empty")
		}
		cur.Name = *name
	}
	if description != nil {
		cur.Description = *description
	}
	if params != nil {
		if err := params.Validate(); err != nil {
			return nil, err
		}
		cur.Parameters = *params
	}
	if err := c.store.UpdateQualityProfile(ctx, cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// Delete removes a custom profile. Built-ins are immutable; the current
// default cannot be deleted so the exactly-one-default invariant holds.
func (c *QualityCatalog) Delete(ctx context.Context, id string) error {
	cur, err := c.store.GetQualityProfile(ctx, id)
	if err != nil {
		return err
	}
	if cur.IsBuiltin {
		return types.E(types.KindForbidden, "builtin profile %q is immutable", id)
	}
	if cur.IsDefault {
		return types.E(types.KindConflict, "profile %q is the current default; set another default first", id)
	}
	return c.store.DeleteQualityProfile(ctx, id)
}

// Duplicate copies a profile (built-in or custom) into a fresh custom
// profile, which is then freely editable.
func (c *QualityCatalog) Duplicate(ctx context.Context, id string) (*types.QualityProfile, error) {
	src, err := c.store.GetQualityProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	dup := &types.QualityProfile{
		ID:          uuid.NewString(),
		Name:        src.Name + " (copy)",
		Description: src.Description,
		Engine:      src.Engine,
		Parameters:  src.Parameters,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.CreateQualityProfile(ctx, dup); err != nil {
		return nil, err
	}
	return dup, nil
}

// SetDefault makes id the default for its engine. Idempotent.
func (c *QualityCatalog) SetDefault(ctx context.Context, id string) (*types.QualityProfile, error) {
	cur, err := c.store.GetQualityProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetDefaultQualityProfile(ctx, cur.Engine, id); err != nil {
		return nil, err
	}
	cur.IsDefault = true
	return cur, nil
}

// Resolve returns the profile for id, or the engine default when id is empty.
func (c *QualityCatalog) Resolve(ctx context.Context, id string) (*types.QualityProfile, error) {
	if id == "" {
		return c.store.DefaultQualityProfile(ctx, types.EngineXTTS)
	}
	return c.store.GetQualityProfile(ctx, id)
}
