package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/store"

	"golang.org/x/crypto/bcrypt"
)

const tokenLifetime = 12 * time.Hour

// IssueToken exchanges a username and password for the bearer token the
// websocket handshake requires. Failed attempts are audited with the
// caller's address; the response never says which part was wrong.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	type credentials struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		a.sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(creds); err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	denied := func(reason string) {
		auditErr := a.ledger.Record(r.Context(), audit.Event{
			Action:  audit.ActionAuthFailure,
			Detail:  map[string]string{"method": "password", "username": creds.Username, "reason": reason},
			Address: r.RemoteAddr,
		})
		if auditErr != nil {
			a.sugar.Errorf("recording authentication failure: %v", auditErr)
		}
		http.Error(w, "", http.StatusUnauthorized)
	}

	user, err := a.users.FindByUsername(r.Context(), creds.Username)
	if errors.Is(err, store.ErrNotFound) {
		denied("unknown user")
		return
	} else if err != nil {
		a.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(creds.Password)); err != nil {
		denied("wrong password")
		return
	}

	token, err := a.signer.Mint(user.ID, tokenLifetime)
	if err != nil {
		a.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	auditErr := a.ledger.Record(r.Context(), audit.Event{
		Actor:   &user.ID,
		Action:  audit.ActionAuthSuccess,
		Detail:  map[string]string{"method": "password"},
		Address: r.RemoteAddr,
	})
	if auditErr != nil {
		a.sugar.Errorf("recording authentication success: %v", auditErr)
	}

	err = json.NewEncoder(w).Encode(map[string]string{"token": token})
	if err != nil {
		a.sugar.Error(err)
	}
}
