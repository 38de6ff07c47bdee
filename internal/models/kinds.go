package models

import "time"

// Habit is the typed view of a KindHabit entity.
type Habit struct {
	Title           string `json:"title"`
	Cadence         string `json:"cadence,omitempty"` // "daily", "weekdays", "weekly"
	DifficultyLevel int    `json:"difficulty_level,omitempty"`
	IsActive        bool   `json:"is_active"`
}

// CheckIn is the typed view of a KindCheckIn entity.
type CheckIn struct {
	HabitID string `json:"habit_id"`
	Date    string `json:"date"` // DateLayout
	Value   int    `json:"value"`
	Note    string `json:"note,omitempty"`
}

// Mood is the typed view of a KindMood entity.
type Mood struct {
	Date  string `json:"date"`
	Score int    `json:"score"`
	Note  string `json:"note,omitempty"`
}

// Mission is the typed view of a KindMission entity.
type Mission struct {
	Skill    string `json:"skill"`
	Weakness string `json:"weakness,omitempty"`
}

// Vision is the typed view of a KindVision entity.
type Vision struct {
	Tags     []string `json:"tags,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Badge is the typed view of a KindBadge entity.
type Badge struct {
	Type      string         `json:"type"`
	AwardedAt time.Time      `json:"awarded_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
