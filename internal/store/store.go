package store

import "pigeon/internal/models"

// Placeholder substituted for a stored body that cannot be decrypted or does
// not carry the ciphertext marker.
const EncryptedPlaceholder = "[Encrypted message]"

type Store interface {
	// Credential operations
	CreateUser(username, passwordHash string) error
	GetUserByUsername(username string) (*models.User, error)
	GetAllUsers() ([]string, error)

	// Message log operations. SaveMessage reports false when the message was
	// suppressed as a duplicate within the dedup window. GetMessages returns
	// decrypted messages involving user (optionally restricted to the
	// user/peer pair, either direction) sorted by ascending timestamp.
	SaveMessage(sender, receiver, plaintext string) (bool, error)
	GetMessages(user, peer string) ([]models.Message, error)
}
