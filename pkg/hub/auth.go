package hub

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/daybook/recordsync/pkg/constants"
	"github.com/daybook/recordsync/pkg/models"
	"github.com/daybook/recordsync/pkg/wire"
)

// Claims is the identity a participant presents on join.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	gojwt.RegisteredClaims
}

// SignToken issues an HS256 identity token for actor.
func SignToken(secret []byte, actor, name, picture string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:    name,
		Picture: picture,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   actor,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// identify turns a join request into the participant shown to others. With
// a secret configured only the token counts; without one the plain fields
// are taken as given.
func (h *Hub) identify(join wire.Join) (models.Participant, error) {
	if len(h.opts.TokenSecret) == 0 {
		p := models.Participant{
			ActorID:        join.ActorID,
			DisplayName:    join.DisplayName,
			ProfileImageID: join.ProfileImageID,
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ActorID
		}
		return p, nil
	}

	if join.Token == "" {
		return models.Participant{}, fmt.Errorf("%w: missing token", constants.ErrUnauthorized)
	}
	claims := &Claims{}
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(join.Token, claims, func(*gojwt.Token) (any, error) {
		return h.opts.TokenSecret, nil
	}); err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", constants.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return models.Participant{}, fmt.Errorf("%w: token has no subject", constants.ErrUnauthorized)
	}

	p := models.Participant{
		ActorID:     claims.Subject,
		DisplayName: claims.Name,
	}
	if p.DisplayName == "" {
		p.DisplayName = claims.Subject
	}
	if claims.Picture != "" {
		picture := claims.Picture
		p.ProfileImageID = &picture
	}
	return p, nil
}
