package sqlite

import (
	"github.com/relves/mdk/internal/storage"
)

// Ensure Store implements storage.Provider at compile time.
var _ storage.Provider = (*Store)(nil)
