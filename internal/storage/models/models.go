package models

import "time"

const (
	StatusInvalid = 0
	StatusValid   = 1
)

type User struct {
	ID         int64      `json:"id"`
	OpenID     string     `json:"-"`
	UnionID    string     `json:"-"`
	Nickname   string     `json:"nickname"`
	Avatar     string     `json:"avatar"`
	Gender     int        `json:"gender"`
	Country    string     `json:"country"`
	Province   string     `json:"province"`
	City       string     `json:"city"`
	Phone      string     `json:"-"`
	Status     int        `json:"status"`
	LastLogin  *time.Time `json:"last_login"`
	LoginCount int        `json:"login_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Pest is a knowledge-base entry. Cate is the label the detection model
// emits for this pest.
type Pest struct {
	ID       int64  `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Alias    string `json:"alias" yaml:"alias"`
	Taxonomy string `json:"taxonomy" yaml:"taxonomy"`

	AdultFeatures  string `json:"adult_features" yaml:"adult_features"`
	LarvalFeatures string `json:"larval_features" yaml:"larval_features"`
	EggFeatures    string `json:"egg_features" yaml:"egg_features"`
	PupaFeatures   string `json:"pupa_features" yaml:"pupa_features"`

	HostRange       string `json:"host_range" yaml:"host_range"`
	Habitat         string `json:"habitat" yaml:"habitat"`
	ActivityPattern string `json:"activity_pattern" yaml:"activity_pattern"`
	Overwintering   string `json:"overwintering" yaml:"overwintering"`

	DamagePeriod   string `json:"damage_period" yaml:"damage_period"`
	DamageMethod   string `json:"damage_method" yaml:"damage_method"`
	DamageSymptoms string `json:"damage_symptoms" yaml:"damage_symptoms"`

	MonitoringMethods      string `json:"monitoring_methods" yaml:"monitoring_methods"`
	AgriculturalControl    string `json:"agricultural_control" yaml:"agricultural_control"`
	PhysicalControl        string `json:"physical_control" yaml:"physical_control"`
	BiologicalControl      string `json:"biological_control" yaml:"biological_control"`
	ChemicalControl        string `json:"chemical_control" yaml:"chemical_control"`
	QuarantineRequirements string `json:"quarantine_requirements" yaml:"quarantine_requirements"`

	GeographicalDistribution    string `json:"geographical_distribution" yaml:"geographical_distribution"`
	GenerationsPerYear          string `json:"generations_per_year" yaml:"generations_per_year"`
	ReproductiveCharacteristics string `json:"reproductive_characteristics" yaml:"reproductive_characteristics"`

	Cate  string `json:"cate" yaml:"cate"`
	Image string `json:"image" yaml:"image"`

	CreatedAt time.Time `json:"create_at" yaml:"-"`
	UpdatedAt time.Time `json:"update_at" yaml:"-"`
}

// PestSummary is the list-view projection of a Pest.
type PestSummary struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	HostRange string `json:"host_range"`
}

// DetectionRecord is one detected object in one uploaded image. PestID,
// Confidence and BBox are nil for unmatched or sentinel records.
type DetectionRecord struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"user_id"`
	PestID        *int64      `json:"pest_id"`
	PestName      *string     `json:"pest_name"`
	ImageURL      string      `json:"image_url"`
	DetectionTime time.Time   `json:"detection_time"`
	Confidence    *float64    `json:"confidence"`
	BBox          *[4]float64 `json:"bbox"`
	Status        int         `json:"status"`
}

type PestStats struct {
	PestID          int64      `json:"pest_id"`
	TotalDetections int64      `json:"total_detections"`
	AvgConfidence   float64    `json:"avg_confidence"`
	LastDetectedAt  *time.Time `json:"last_detected"`
}

type Page struct {
	Total       int  `json:"total"`
	Pages       int  `json:"pages"`
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

func NewPage(total, page, perPage int) Page {
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return Page{
		Total:       total,
		Pages:       pages,
		CurrentPage: page,
		PerPage:     perPage,
		HasNext:     page < pages,
		HasPrev:     page > 1,
	}
}
