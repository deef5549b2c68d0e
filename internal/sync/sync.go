package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/services"
)

// PlatformClient is the slice of the service connector the sync tasks use.
type PlatformClient interface {
	GetMemberships(ctx context.Context, membershipsURL, resourceLinkID string) ([]services.Member, error)
	PutScore(ctx context.Context, lineitemURL string, score services.Score) error
}

// ClientFactory yields a platform client bound to one registration.
type ClientFactory func(registration platform.Registration) (PlatformClient, error)

// ProfileImageSink receives roster profile-image URLs for newly-seen members.
// Uploads are best effort; failures are logged and never fail a sync pass.
type ProfileImageSink interface {
	Upload(ctx context.Context, localUserID, imageURL string) error
}

// NopImageSink ignores profile images.
type NopImageSink struct{}

// Upload discards the image reference.
func (NopImageSink) Upload(context.Context, string, string) error {
	return nil
}
