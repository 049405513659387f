package board

// BoardState is the durable per-session version counter.
type BoardState struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	BoardVersion     int64  `gorm:"column:board_version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (BoardState) TableName() string {
	return "board_states"
}

// BoardObject stores one live primitive of a session board.
type BoardObject struct {
	SessionID   string `gorm:"column:session_id;primaryKey;size:190;not null;index:idx_board_objects_group,priority:1"`
	ObjectID    string `gorm:"column:object_id;primaryKey;size:190;not null"`
	Kind        string `gorm:"column:kind;size:16;not null"`
	GroupID     string `gorm:"column:group_id;size:190;not null;index:idx_board_objects_group,priority:2"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoardObject) TableName() string {
	return "board_objects"
}

// BoardPatchRecord is the append-only audit trail of committed patches.
type BoardPatchRecord struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;index:idx_board_patches_session_version,priority:1"`
	Principal        string `gorm:"column:principal;size:190;not null"`
	PreviousVersion  int64  `gorm:"column:previous_version;not null"`
	NewVersion       int64  `gorm:"column:new_version;not null;index:idx_board_patches_session_version,priority:2"`
	PatchJSON        string `gorm:"column:patch_json;type:text;not null"`
	Summary          string `gorm:"column:summary;type:text;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoardPatchRecord) TableName() string {
	return "board_patches"
}

// Models lists every table the board store needs migrated.
func Models() []any {
	return []any{&BoardState{}, &BoardObject{}, &BoardPatchRecord{}}
}
