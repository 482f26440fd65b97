package catalog

import (
	"context"
	"log/slog"
	"os"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/types"
)

// VoiceCatalog enforces the voice-profile rules on top of the store: lookups,
// language-filtered listing, and delete-while-in-use protection. Reference
// audio files on disk follow their records.
type VoiceCatalog struct {
	store  store.Store
	logger *slog.Logger
}

// NewVoiceCatalog creates the catalog.
func NewVoiceCatalog(s store.Store, logger *slog.Logger) *VoiceCatalog {
	return &VoiceCatalog{store: s, logger: logger.With("component", "voice-catalog")}
}

// Get returns one voice profile.
func (c *VoiceCatalog) Get(ctx context.Context, id string) (*types.VoiceProfile, error) {
	return c.store.GetVoiceProfile(ctx, id)
}

// List returns a page of voice profiles, optionally filtered by language.
func (c *VoiceCatalog) List(ctx context.Context, f store.VoiceFilter) (*types.VoiceProfilePage, error) {
	return c.store.ListVoiceProfiles(ctx, f)
}

// Delete removes a voice profile and its reference audio file. Deletion is
// rejected with conflict while any queued or processing job references the
// profile.
func (c *VoiceCatalog) Delete(ctx context.Context, id string) error {
	vp, err := c.store.GetVoiceProfile(ctx, id)
	if err != nil {
		return err
	}
	inUse, err := c.store.VoiceInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return types.E(types.KindConflict, "voice profile %q is referenced by a live job", id)
	}
	if err := c.store.DeleteVoiceProfile(ctx, id); err != nil {
		return err
	}
	if vp.ReferenceAudioPath != "" {
		if err := os.Remove(vp.ReferenceAudioPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove reference audio", "id", id, "path", vp.ReferenceAudioPath, "error", err)
		}
	}
	return nil
}
