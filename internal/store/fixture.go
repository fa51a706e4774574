package store

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/collection-cli/internal/model"
)

// Fixture is the YAML form of a Ledger used for local runs and demos. Dates
// are YYYY-MM-DD strings.
type Fixture struct {
	Accounts []struct {
		ID        int64  `yaml:"id"`
		Status    string `yaml:"status"`
		Workflow  string `yaml:"workflow"`
		Partner   string `yaml:"partner"`
		Autodebet bool   `yaml:"autodebet"`
	} `yaml:"accounts"`
	Obligations []struct {
		ID        int64  `yaml:"id"`
		AccountID int64  `yaml:"account_id"`
		DueDate   string `yaml:"due_date"`
		DueAmount int64  `yaml:"due_amount"`
		Status    string `yaml:"status"`
		Phone     string `yaml:"phone"`
		Name      string `yaml:"name"`
	} `yaml:"obligations"`
	Promises []struct {
		AccountID int64  `yaml:"account_id"`
		Date      string `yaml:"date"`
		Amount    int64  `yaml:"amount"`
		Broken    bool   `yaml:"broken"`
	} `yaml:"promises"`
	Refinancing []struct {
		AccountID int64  `yaml:"account_id"`
		Status    string `yaml:"status"`
		Cohort    string `yaml:"cohort"`
	} `yaml:"refinancing"`
	Blacklist []struct {
		AccountID int64  `yaml:"account_id"`
		Vendor    string `yaml:"vendor"`
		ExpiresOn string `yaml:"expires_on"`
	} `yaml:"blacklist"`
	ExperimentGroups []struct {
		AccountID  int64  `yaml:"account_id"`
		Experiment string `yaml:"experiment"`
		Group      string `yaml:"group"`
	} `yaml:"experiment_groups"`
	Assignments []struct {
		ID         string `yaml:"id"`
		AccountID  int64  `yaml:"account_id"`
		TargetType string `yaml:"target_type"`
		TargetID   string `yaml:"target_id"`
		BucketID   string `yaml:"bucket_id"`
		AssignedOn string `yaml:"assigned_on"`
		ExpiresOn  string `yaml:"expires_on"`
		ClosedOn   string `yaml:"closed_on"`
	} `yaml:"assignments"`
	NonContact []struct {
		AccountID   int64  `yaml:"account_id"`
		Consecutive int    `yaml:"consecutive"`
		Excluded    bool   `yaml:"excluded_from_bucket"`
		LastRunDate string `yaml:"last_run_date"`
	} `yaml:"non_contact"`
}

// LoadFixtureFile reads a YAML fixture and converts it to a Ledger.
func LoadFixtureFile(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "store: read fixture %s", path)
	}
	return ParseFixture(data)
}

// ParseFixture decodes fixture YAML into a Ledger.
func ParseFixture(data []byte) (*Ledger, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "store: parse fixture")
	}
	return f.Ledger()
}

// Ledger converts the fixture. Account statuses are passed through raw so
// unknown values surface as data-integrity exclusions at run time.
func (f *Fixture) Ledger() (*Ledger, error) {
	l := &Ledger{}
	for _, a := range f.Accounts {
		st, raw := parseStatus(a.Status)
		wf := model.Workflow(a.Workflow)
		if wf == "" {
			wf = model.WorkflowStandard
		}
		l.Accounts = append(l.Accounts, model.Account{
			ID: a.ID, Status: st, RawStatus: raw, Workflow: wf, Partner: a.Partner, AutodebetEnabled: a.Autodebet,
		})
	}
	for _, o := range f.Obligations {
		due, err := optDate(o.DueDate)
		if err != nil {
			return nil, eris.Wrapf(err, "store: obligation %d", o.ID)
		}
		status := model.ObligationStatus(o.Status)
		if status == "" {
			status = model.ObligationUnpaid
		}
		l.Obligations = append(l.Obligations, model.Obligation{
			ID: o.ID, AccountID: o.AccountID, DueDate: due, DueAmount: o.DueAmount, Status: status, Phone: o.Phone, Name: o.Name,
		})
	}
	for _, p := range f.Promises {
		d, err := model.ParseRunDate(p.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "store: promise for account %d", p.AccountID)
		}
		l.Promises = append(l.Promises, model.PromiseToPay{AccountID: p.AccountID, PTPDate: d, Amount: p.Amount, Broken: p.Broken})
	}
	for _, r := range f.Refinancing {
		l.Refinancing = append(l.Refinancing, model.RefinancingRequest{
			AccountID: r.AccountID, Status: r.Status, Cohort: r.Cohort, UpdatedAt: time.Now().UTC(),
		})
	}
	for _, b := range f.Blacklist {
		exp, err := optDate(b.ExpiresOn)
		if err != nil {
			return nil, eris.Wrapf(err, "store: blacklist for account %d", b.AccountID)
		}
		vendor := b.Vendor
		if vendor == "" {
			vendor = model.BlacklistWildcard
		}
		l.Blacklist = append(l.Blacklist, model.BlacklistEntry{AccountID: b.AccountID, Vendor: vendor, ExpiresOn: exp})
	}
	for _, g := range f.ExperimentGroups {
		l.ExperimentGroups = append(l.ExperimentGroups, model.ExperimentGroup{AccountID: g.AccountID, Experiment: g.Experiment, Group: g.Group})
	}
	for _, a := range f.Assignments {
		target, err := model.NewAssignmentTarget(model.TargetType(a.TargetType), a.TargetID)
		if err != nil {
			return nil, eris.Wrapf(err, "store: assignment %s", a.ID)
		}
		assigned, err := model.ParseRunDate(a.AssignedOn)
		if err != nil {
			return nil, eris.Wrapf(err, "store: assignment %s", a.ID)
		}
		exp, err := optDate(a.ExpiresOn)
		if err != nil {
			return nil, eris.Wrapf(err, "store: assignment %s", a.ID)
		}
		closed, err := optDate(a.ClosedOn)
		if err != nil {
			return nil, eris.Wrapf(err, "store: assignment %s", a.ID)
		}
		l.Assignments = append(l.Assignments, model.Assignment{
			ID: a.ID, AccountID: a.AccountID, Target: target, BucketID: a.BucketID,
			AssignedOn: assigned, ExpiresOn: exp, ClosedOn: closed,
		})
	}
	for _, n := range f.NonContact {
		last, err := model.ParseRunDate(n.LastRunDate)
		if err != nil {
			return nil, eris.Wrapf(err, "store: non-contact state %d", n.AccountID)
		}
		l.NonContact = append(l.NonContact, model.NonContactState{
			AccountID: n.AccountID, Consecutive: n.Consecutive, ExcludedFromBucket: n.Excluded, LastRunDate: last,
		})
	}
	return l, nil
}

func optDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := model.ParseRunDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
