// Package push nudges offline users about incoming calls via Web Push.
// Delivery is best effort: a missed nudge only means the callee discovers
// the call on their next snapshot subscription.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/avolkov/peercall/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"
)

// VAPIDKeys identify this server to push services.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type Notifier struct {
	db     *gorm.DB
	keys   VAPIDKeys
	logger *slog.Logger
}

func NewNotifier(db *gorm.DB, keys VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{db: db, keys: keys, logger: logger}
}

// Subscribe replaces the user's push endpoint. One row per user.
func (n *Notifier) Subscribe(userID, endpoint, p256dh, auth string) (*models.PushSubscription, error) {
	if n.db == nil {
		return nil, fmt.Errorf("push subscriptions require persistence")
	}
	if err := n.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		n.logger.Warn("failed to delete old push subscriptions", "user_id", userID, "error", err)
	}

	sub := &models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := n.db.Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to store push subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe removes one endpoint. Reports gorm.ErrRecordNotFound when it
// was never registered.
func (n *Notifier) Unsubscribe(userID, endpoint string) error {
	if n.db == nil {
		return gorm.ErrRecordNotFound
	}
	var sub models.PushSubscription
	if err := n.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&sub).Error; err != nil {
		return err
	}
	return n.db.Delete(&sub).Error
}

// PublicKey returns the VAPID public key clients subscribe with.
func (n *Notifier) PublicKey() string { return n.keys.PublicKey }

// NotifyIncomingCall pushes a call nudge to every endpoint of userID.
// Endpoints the push service reports gone are dropped.
func (n *Notifier) NotifyIncomingCall(userID, callID, fromUser string) {
	if n.db == nil {
		return
	}

	var subs []models.PushSubscription
	if err := n.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		n.logger.Warn("failed to load push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title":   "Incoming call",
		"body":    fmt.Sprintf("%s is calling you", fromUser),
		"data":    map[string]string{"call_id": callID, "from": fromUser},
		"urgency": "high",
	})
	if err != nil {
		n.logger.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			n.logger.Warn("push send failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			n.logger.Info("push endpoint gone, removing", "user_id", userID, "status", resp.StatusCode)
			n.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}
