package service

import (
	"context"

	"github.com/baechuer/advert-service/internal/audit"
	"github.com/baechuer/advert-service/internal/domain"
)

// Directory manages tracker to receiver pairing.
type Directory struct {
	devices domain.DeviceRepository
	audit   *audit.Logger
}

func NewDirectory(devices domain.DeviceRepository, auditLog *audit.Logger) *Directory {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Directory{devices: devices, audit: auditLog}
}

// Register pairs trackerID with receiverID, replacing any previous pairing.
// Registering to the current receiver again changes nothing.
func (d *Directory) Register(ctx context.Context, trackerID, receiverID string) (domain.Tracker, error) {
	prev, err := d.devices.GetTracker(ctx, trackerID)
	if err != nil {
		return domain.Tracker{}, err
	}
	if _, err := d.devices.GetReceiver(ctx, receiverID); err != nil {
		return domain.Tracker{}, err
	}

	t, err := d.devices.AssignTracker(ctx, trackerID, receiverID)
	if err != nil {
		return domain.Tracker{}, err
	}
	if !prev.Registered(receiverID) {
		if prev.ReceiverID != nil {
			d.audit.TrackerUnregistered(ctx, trackerID, *prev.ReceiverID)
		}
		d.audit.TrackerRegistered(ctx, trackerID, receiverID)
	}
	return t, nil
}

// Unregister clears the pairing only when the tracker is paired with receiverID.
// Any other state is a successful no-op. Unknown ids are NotFound.
func (d *Directory) Unregister(ctx context.Context, trackerID, receiverID string) error {
	if _, err := d.devices.GetReceiver(ctx, receiverID); err != nil {
		return err
	}
	released, err := d.devices.ReleaseTracker(ctx, trackerID, receiverID)
	if err != nil {
		return err
	}
	if released {
		d.audit.TrackerUnregistered(ctx, trackerID, receiverID)
	}
	return nil
}

// TrackersAt lists trackers paired with receiverID. An existing receiver with no
// trackers yields an empty, non-nil slice.
func (d *Directory) TrackersAt(ctx context.Context, receiverID string) ([]domain.Tracker, error) {
	if _, err := d.devices.GetReceiver(ctx, receiverID); err != nil {
		return nil, err
	}
	ts, err := d.devices.ListTrackersByReceiver(ctx, receiverID)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = []domain.Tracker{}
	}
	return ts, nil
}

func (d *Directory) Tracker(ctx context.Context, trackerID string) (domain.Tracker, error) {
	return d.devices.GetTracker(ctx, trackerID)
}
