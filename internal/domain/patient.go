package domain

import (
	"strings"
	"time"
)

// Patient 患者领域模型（对应 patients 表）
// 空字符串字段在持久化时写为 NULL
type Patient struct {
	// 主键
	ID int64 `db:"id"` // BIGSERIAL, PRIMARY KEY

	// 身份
	FullName   string     `db:"full_name"`   // TEXT, NOT NULL（软唯一，仅校验不约束）
	NationalID string     `db:"nik"`         // CHAR(16), nullable, UNIQUE
	BirthPlace string     `db:"birth_place"` // TEXT, nullable
	BirthDate  *time.Time `db:"birth_date"`  // DATE, nullable

	// 人口学属性（取值来自 helper_* 查找表）
	BloodGroup string `db:"blood_group"` // nullable
	Rhesus     string `db:"rhesus"`      // nullable
	Gender     string `db:"gender"`      // nullable
	Occupation string `db:"occupation"`  // nullable
	Education  string `db:"education"`   // nullable

	// 居住地层级：province → city → district → village
	Address  string `db:"address"`
	Village  string `db:"village"`
	District string `db:"district"`
	City     string `db:"city"`
	Province string `db:"province"`
	Phone    string `db:"phone"`

	// 分支（租户），空表示未分配
	Branch       string `db:"branch_tag"`    // TEXT, nullable
	CoverageCity string `db:"coverage_city"` // TEXT, nullable

	Note      string    `db:"note"`
	CreatedAt time.Time `db:"created_at"`
}

// AgeOn returns the completed years between BirthDate and on, or nil when the
// birth date is unknown. Age is always derived and never persisted.
func (p *Patient) AgeOn(on time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := *p.BirthDate
	years := on.Year() - b.Year()
	if on.Month() < b.Month() || (on.Month() == b.Month() && on.Day() < b.Day()) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return &years
}

// PatientIdentity is the projection used for resolution and dropdowns.
type PatientIdentity struct {
	ID         int64  `db:"id"`
	FullName   string `db:"full_name"`
	NationalID string `db:"nik"`
	Branch     string `db:"branch_tag"`
}

// NormalizeName folds a display name for case-insensitive matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ValidateNationalID checks the 16-digit national id format. Empty is allowed.
func ValidateNationalID(nik string) error {
	if nik == "" {
		return nil
	}
	if len(nik) != 16 {
		return &ValidationError{Field: "nik", Reason: "national id must be exactly 16 digits"}
	}
	for _, r := range nik {
		if r < '0' || r > '9' {
			return &ValidationError{Field: "nik", Reason: "national id must contain digits only"}
		}
	}
	return nil
}
