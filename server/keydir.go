package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"postbox/common"
	"postbox/configs"
	"postbox/crypto/keys"
)

// HandlePostKeys publishes an account's prekey bundle. The exchange key
// signature is checked before anything is stored; one-time keys go into a
// pool the server drains one key per fetch.
func (s *Server) HandlePostKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok {
		s.logger.Error("No userID provided in the query")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var bundle common.PrekeyBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		s.logger.Errorf("Error decoding keys for user %s: %v", userID, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := validateBundle(&bundle); err != nil {
		s.logger.Errorf("Rejecting keys for user %s: %v", userID, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	oneTimeKeys := bundle.OneTimeKeys
	bundle.OneTimeKeys = nil
	data, err := json.Marshal(bundle)
	if err != nil {
		s.logger.Errorf("Error serializing keys for user %s: %v", userID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := s.redisClient.Set(s.ctx, fmt.Sprintf(configs.ServerKeyBundleKey, userID), data, 0).Err(); err != nil {
		s.logger.Errorf("Error publishing keys for user %s: %v", userID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for _, otk := range oneTimeKeys {
		if err := s.redisClient.RPush(s.ctx, fmt.Sprintf(configs.ServerOneTimeKeysKey, userID), []byte(otk)).Err(); err != nil {
			s.logger.Errorf("Error storing one-time key for user %s: %v", userID, err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	s.logger.Infof("Public key bundle published for user %s", userID)
	w.WriteHeader(http.StatusOK)
}

// HandleGetKeys returns an account's bundle. At most one one-time key is
// attached, popped from the pool so it can never appear in two in-flight
// handshakes.
func (s *Server) HandleGetKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, ok := vars["userID"]
	if !ok {
		http.Error(w, "No userID provided", http.StatusBadRequest)
		return
	}

	data, err := s.redisClient.Get(s.ctx, fmt.Sprintf(configs.ServerKeyBundleKey, userID)).Result()
	if errors.Is(err, redis.Nil) {
		http.Error(w, "Unknown user", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorf("Error retrieving keys for user %s: %v", userID, err)
		http.Error(w, "Error retrieving keys", http.StatusInternalServerError)
		return
	}

	var bundle common.PrekeyBundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		s.logger.Errorf("Error decoding keys for user %s: %v", userID, err)
		http.Error(w, "Error decoding response", http.StatusInternalServerError)
		return
	}

	otk, err := s.redisClient.LPop(s.ctx, fmt.Sprintf(configs.ServerOneTimeKeysKey, userID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Errorf("Error popping one-time key for user %s: %v", userID, err)
		http.Error(w, "Error retrieving keys", http.StatusInternalServerError)
		return
	}
	if err == nil {
		bundle.OneTimeKey = otk
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(bundle); err != nil {
		s.logger.Errorf("Error encoding keys for user %s: %v", userID, err)
		return
	}
	s.logger.Infof("Public key bundle retrieved for user %s", userID)
}

func validateBundle(bundle *common.PrekeyBundle) error {
	idPub, err := keys.IdentityPublicKeyFromRaw(bundle.IdentityKey)
	if err != nil {
		return err
	}
	exchangePub, err := keys.AgreementPublicKeyFromRaw(bundle.ExchangeKey)
	if err != nil {
		return err
	}
	if err := idPub.Verify(exchangePub.Export(), bundle.ExchangeKeySig); err != nil {
		return fmt.Errorf("exchange key signature: %w", err)
	}
	for _, otk := range bundle.OneTimeKeys {
		if _, err := keys.AgreementPublicKeyFromRaw(otk); err != nil {
			return err
		}
	}
	return nil
}
