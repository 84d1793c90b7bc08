// Package dbtypes holds the document shapes stored in Firestore.
//
// Every struct carries both firestore and json tags.  The firestore tags are
// used by the real store, the json tags by the in-memory store and by the
// archive export.
package dbtypes

import (
	"fmt"
	"time"
)

// Collection names.
const (
	UsersCollection                  = "users"
	CalendarsCollection              = "calendars"
	GroupsCollection                 = "groups"
	MessagesCollection               = "messages"
	PinnedChecklistsCollection       = "pinnedChecklists"
	WorkoutHistoryCollection         = "workoutHistory"
	ScheduledNotificationsCollection = "scheduledNotifications"
)

// Calendar types, as recorded in CalendarRef.CalendarType.
const (
	CalendarTypeInternal = "internal"
	CalendarTypeExternal = "external"
	CalendarTypeGroup    = "group"
)

// Group roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Calendar sync statuses written by the sync backend.
const (
	SyncStatusSynced  = "synced"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// User represents the signed-in principal.
//
// The user document only carries lightweight references to calendars and
// groups; the referenced documents are mirrored separately.
type User struct {
	ID          string `firestore:"id" json:"id"`
	Email       string `firestore:"email" json:"email"`
	DisplayName string `firestore:"displayName" json:"displayName"`

	Calendars []CalendarRef `firestore:"calendars" json:"calendars"`
	Groups    []GroupRef    `firestore:"groups" json:"groups"`

	Preferences Preferences `firestore:"preferences" json:"preferences"`

	SavedChecklists  []ChecklistRecord `firestore:"savedChecklists" json:"savedChecklists"`
	WorkoutTemplates []TemplateRecord  `firestore:"workoutTemplates" json:"workoutTemplates"`
}

type CalendarRef struct {
	CalendarID   string `firestore:"calendarId" json:"calendarId"`
	CalendarType string `firestore:"calendarType" json:"calendarType"`
	Name         string `firestore:"name" json:"name"`
	Color        string `firestore:"color" json:"color"`
	Permissions  string `firestore:"permissions" json:"permissions"`
	IsOwner      bool   `firestore:"isOwner" json:"isOwner"`
}

type GroupRef struct {
	GroupID  string    `firestore:"groupId" json:"groupId"`
	Name     string    `firestore:"name" json:"name"`
	Role     string    `firestore:"role" json:"role"`
	JoinedAt time.Time `firestore:"joinedAt" json:"joinedAt"`
}

type Preferences struct {
	Communication CommunicationPreferences `firestore:"communication" json:"communication"`
	Notifications NotificationPreferences  `firestore:"notifications" json:"notifications"`
}

type CommunicationPreferences struct {
	Email bool `firestore:"email" json:"email"`
	Push  bool `firestore:"push" json:"push"`
}

type NotificationPreferences struct {
	Reminders    bool `firestore:"reminders" json:"reminders"`
	GroupUpdates bool `firestore:"groupUpdates" json:"groupUpdates"`
	Messages     bool `firestore:"messages" json:"messages"`
}

// Calendar is either a per-month internal calendar or an external calendar
// maintained by the sync backend.
type Calendar struct {
	ID   string `firestore:"id" json:"id"`
	Name string `firestore:"name" json:"name"`
	Type string `firestore:"type" json:"type"`

	Events map[string]Event `firestore:"events" json:"events"`

	SyncStatus   string     `firestore:"syncStatus" json:"syncStatus"`
	LastSyncedAt *time.Time `firestore:"lastSyncedAt" json:"lastSyncedAt"`
	SyncError    string     `firestore:"syncError" json:"syncError"`
}

type Event struct {
	Title     string    `firestore:"title" json:"title"`
	StartTime time.Time `firestore:"startTime" json:"startTime"`
	EndTime   time.Time `firestore:"endTime" json:"endTime"`
	AllDay    bool      `firestore:"allDay" json:"allDay"`
	Notes     string    `firestore:"notes" json:"notes"`
}

// InternalCalendarID derives the id of the internal calendar document for a
// user and month.  Month is 1-based.
func InternalCalendarID(userID string, month time.Month, year int) string {
	return fmt.Sprintf("%s_%d%d", userID, int(month), year)
}

// Group is shared by all of its members.
type Group struct {
	ID      string   `firestore:"id" json:"id"`
	Name    string   `firestore:"name" json:"name"`
	Members []Member `firestore:"members" json:"members"`

	WorkoutTemplates []TemplateRecord `firestore:"workoutTemplates" json:"workoutTemplates"`
	Calendars        []CalendarRef    `firestore:"calendars" json:"calendars"`
}

type Member struct {
	UserID      string      `firestore:"userId" json:"userId"`
	Name        string      `firestore:"name" json:"name"`
	Role        string      `firestore:"role" json:"role"`
	Preferences Preferences `firestore:"preferences" json:"preferences"`
}

type ChecklistItem struct {
	ID      string `firestore:"id" json:"id"`
	Text    string `firestore:"text" json:"text"`
	Checked bool   `firestore:"checked" json:"checked"`
}

// ChecklistRecord is one pinned checklist.
type ChecklistRecord struct {
	ID           string          `firestore:"id" json:"id"`
	Name         string          `firestore:"name" json:"name"`
	Items        []ChecklistItem `firestore:"items" json:"items"`
	ReminderTime *time.Time      `firestore:"reminderTime,omitempty" json:"reminderTime,omitempty"`
	Order        *int            `firestore:"order,omitempty" json:"order,omitempty"`
	UpdatedAt    time.Time       `firestore:"updatedAt" json:"updatedAt"`

	// Ownership context.  Filled in when the record is projected out of a
	// parent document, never meaningful inside one.
	IsPersonal bool   `firestore:"isPersonal,omitempty" json:"isPersonal,omitempty"`
	GroupID    string `firestore:"groupId,omitempty" json:"groupId,omitempty"`
}

func (r ChecklistRecord) RecordID() string { return r.ID }

// Sanitized returns a copy of r with the ownership-context fields cleared.
func (r ChecklistRecord) Sanitized() ChecklistRecord {
	r.IsPersonal = false
	r.GroupID = ""
	return r
}

// PinnedChecklistsDoc is the parent document holding one owner's pinned
// checklists.  It is keyed by user ID or group ID.
type PinnedChecklistsDoc struct {
	Pinned    []ChecklistRecord `firestore:"pinned" json:"pinned"`
	UpdatedAt time.Time         `firestore:"updatedAt" json:"updatedAt"`
}

type Exercise struct {
	ID     string `firestore:"id" json:"id"`
	Name   string `firestore:"name" json:"name"`
	Sets   int64  `firestore:"sets" json:"sets"`
	Reps   int64  `firestore:"reps" json:"reps"`
	Weight int64  `firestore:"weight" json:"weight"`
}

// TemplateRecord lives in the workoutTemplates array of a user or group
// document.
type TemplateRecord struct {
	ID        string          `firestore:"id" json:"id"`
	Name      string          `firestore:"name" json:"name"`
	Items     []ChecklistItem `firestore:"items,omitempty" json:"items,omitempty"`
	Exercises []Exercise      `firestore:"exercises,omitempty" json:"exercises,omitempty"`
	Order     *int            `firestore:"order,omitempty" json:"order,omitempty"`
	CreatedAt time.Time       `firestore:"createdAt" json:"createdAt"`
	UpdatedAt time.Time       `firestore:"updatedAt" json:"updatedAt"`
	LastUsed  *time.Time      `firestore:"lastUsed,omitempty" json:"lastUsed,omitempty"`

	IsPersonal bool   `firestore:"isPersonal,omitempty" json:"isPersonal,omitempty"`
	GroupID    string `firestore:"groupId,omitempty" json:"groupId,omitempty"`
}

func (r TemplateRecord) RecordID() string { return r.ID }

func (r TemplateRecord) Sanitized() TemplateRecord {
	r.IsPersonal = false
	r.GroupID = ""
	return r
}

type MessagesDoc struct {
	Messages []Message `firestore:"messages" json:"messages"`
}

type Message struct {
	ID     string    `firestore:"id" json:"id"`
	From   string    `firestore:"from" json:"from"`
	Body   string    `firestore:"body" json:"body"`
	SentAt time.Time `firestore:"sentAt" json:"sentAt"`
	Read   bool      `firestore:"read" json:"read"`
}

// WorkoutHistoryDoc holds, per exercise, the most recent completed workouts.
type WorkoutHistoryDoc struct {
	Exercises map[string]ExerciseHistory `firestore:"exercises" json:"exercises"`
}

type ExerciseHistory struct {
	// Newest first.  Never longer than two entries.
	LastWorkouts []WorkoutSample `firestore:"lastWorkouts" json:"lastWorkouts"`
}

type WorkoutSample struct {
	Date time.Time    `firestore:"date" json:"date"`
	Sets []WorkoutSet `firestore:"sets" json:"sets"`
}

type WorkoutSet struct {
	Reps   int64 `firestore:"reps" json:"reps"`
	Weight int64 `firestore:"weight" json:"weight"`
}

// ScheduledNotification is a push notification waiting for its fire date.
//
// Exactly one of UserID and GroupID is set.
type ScheduledNotification struct {
	ID       string            `firestore:"id" json:"id"`
	UserID   string            `firestore:"userId,omitempty" json:"userId,omitempty"`
	GroupID  string            `firestore:"groupId,omitempty" json:"groupId,omitempty"`
	Title    string            `firestore:"title" json:"title"`
	Body     string            `firestore:"body" json:"body"`
	FireDate time.Time         `firestore:"fireDate" json:"fireDate"`
	Data     map[string]string `firestore:"data" json:"data"`
	Sent     bool              `firestore:"sent" json:"sent"`
	SentAt   *time.Time        `firestore:"sentAt,omitempty" json:"sentAt,omitempty"`
}
