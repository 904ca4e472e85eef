package counting

import "time"

// DeliveryToken is one push endpoint registered by a member.
type DeliveryToken struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}
