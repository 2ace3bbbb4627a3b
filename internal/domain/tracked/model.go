package tracked

// Enrollment is a person's registration in a program at an org unit. ID is
// the source EpisodeOfCare id.
type Enrollment struct {
	ID                    string `json:"id"`
	Enrollment            string `json:"enrollment"`
	Program               string `json:"program"`
	OrgUnit               string `json:"orgUnit"`
	EnrollmentDate        string `json:"enrollmentDate"`
	IncidentDate          string `json:"incidentDate"`
	TrackedEntityInstance string `json:"trackedEntityInstance"`
}

// Encounter is a stage event under an enrollment. ID is the source Encounter
// id.
type Encounter struct {
	ID                    string `json:"id"`
	Event                 string `json:"event"`
	Program               string `json:"program"`
	ProgramStage          string `json:"programStage"`
	OrgUnit               string `json:"orgUnit"`
	EventDate             string `json:"eventDate"`
	Enrollment            string `json:"enrollment"`
	TrackedEntityInstance string `json:"trackedEntityInstance"`
}

// Record links a source person to its tracked entity. ID is the first source
// id seen; SourceIDs holds every later one. Attributes holds every identifier
// value ever observed for the person.
type Record struct {
	ID                    string       `json:"id,omitempty"`
	SourceIDs             []string     `json:"sourceIds,omitempty"`
	Attributes            []string     `json:"attributes"`
	TrackedEntityInstance string       `json:"trackedEntityInstance"`
	Enrollments           []Enrollment `json:"enrollments"`
	Encounters            []Encounter  `json:"encounters"`
}

// MergeIdentifiers adds values not already present, keeping order.
func (r *Record) MergeIdentifiers(values []string) {
	seen := make(map[string]struct{}, len(r.Attributes))
	for _, v := range r.Attributes {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		r.Attributes = append(r.Attributes, v)
	}
}

// MergeSourceID records id as the primary source id, or as an alias when the
// record already has a different one.
func (r *Record) MergeSourceID(id string) {
	if id == "" || id == r.ID {
		return
	}
	if r.ID == "" {
		r.ID = id
		return
	}
	for _, s := range r.SourceIDs {
		if s == id {
			return
		}
	}
	r.SourceIDs = append(r.SourceIDs, id)
}

// FindEnrollment matches on (program, orgUnit, source id).
func (r *Record) FindEnrollment(program, orgUnit, id string) *Enrollment {
	for i := range r.Enrollments {
		e := &r.Enrollments[i]
		if e.Program == program && e.OrgUnit == orgUnit && e.ID == id {
			return e
		}
	}
	return nil
}

// FindEncounter matches on (program, stage, orgUnit, source id).
func (r *Record) FindEncounter(program, stage, orgUnit, id string) *Encounter {
	for i := range r.Encounters {
		e := &r.Encounters[i]
		if e.Program == program && e.ProgramStage == stage && e.OrgUnit == orgUnit && e.ID == id {
			return e
		}
	}
	return nil
}

func (r *Record) EnrollmentByEpisode(episodeID string) *Enrollment {
	for i := range r.Enrollments {
		if r.Enrollments[i].ID == episodeID {
			return &r.Enrollments[i]
		}
	}
	return nil
}

// EnrollmentForProgram returns the first enrollment in program.
func (r *Record) EnrollmentForProgram(program string) *Enrollment {
	for i := range r.Enrollments {
		if r.Enrollments[i].Program == program {
			return &r.Enrollments[i]
		}
	}
	return nil
}

func (r *Record) EncounterByID(id string) *Encounter {
	for i := range r.Encounters {
		if r.Encounters[i].ID == id {
			return &r.Encounters[i]
		}
	}
	return nil
}
