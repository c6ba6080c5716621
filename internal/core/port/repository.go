package port

import "github.com/Wyydra/huddle/internal/core/domain"

type RoomRepository interface {
	Get(id domain.RoomID) (*domain.Room, bool)
	Save(room *domain.Room)
	Delete(id domain.RoomID)
	List() []*domain.Room
}
