package kanban

import (
	"errors"
	"fmt"
)

// ErrBoardUnavailable is returned when the board file cannot be read or parsed.
var ErrBoardUnavailable = errors.New("kanban board unavailable")

// CardNotFoundError is returned when a card id does not resolve on the board.
type CardNotFoundError struct {
	CardID string
}

func (e *CardNotFoundError) Error() string {
	return fmt.Sprintf("card not found: %s", e.CardID)
}

// WIPLimitError is returned when a move would exceed a column's WIP limit.
type WIPLimitError struct {
	Column string
	Limit  int
}

func (e *WIPLimitError) Error() string {
	return fmt.Sprintf("wip limit exceeded for column %s (limit %d)", e.Column, e.Limit)
}

// IsCardNotFound reports whether err is a CardNotFoundError.
func IsCardNotFound(err error) bool {
	var cnf *CardNotFoundError
	return errors.As(err, &cnf)
}
