package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Account is the slice of a Salesforce Account the visibility sync
// reads and writes. Custom fields carry the audit outcome.
type Account struct {
	ID      string `json:"Id" salesforce:"Id"`
	Name    string `json:"Name" salesforce:"Name"`
	Website string `json:"Website" salesforce:"Website"`
}

// accountFields are the SOQL fields selected for Account lookups.
var accountFields = []string{"Id", "Name", "Website"}

// FindAccountByWebsite queries Salesforce for an Account matching the
// given website. Returns nil when no account matches.
func FindAccountByWebsite(ctx context.Context, c Client, website string) (*Account, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Account WHERE Website LIKE '%%%s%%' LIMIT 1",
		strings.Join(accountFields, ", "),
		escapeSoql(website),
	)

	var accounts []Account
	if err := c.Query(ctx, soql, &accounts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find account by website %s", website))
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// UpsertAccountSummary writes the visibility summary fields onto the
// account matching the company's website, creating the account when
// none exists. Returns the Salesforce account id.
func UpsertAccountSummary(ctx context.Context, c Client, name, website string, fields map[string]any) (string, error) {
	if name == "" {
		return "", eris.New("sf: account name is required")
	}
	if len(fields) == 0 {
		return "", eris.New("sf: no summary fields to write")
	}

	existing, err := FindAccountByWebsite(ctx, c, website)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := c.UpdateOne(ctx, "Account", existing.ID, fields); err != nil {
			return "", eris.Wrap(err, fmt.Sprintf("sf: update account %s", existing.ID))
		}
		return existing.ID, nil
	}

	record := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	record["Name"] = name
	if website != "" {
		record["Website"] = website
	}
	id, err := c.InsertOne(ctx, "Account", record)
	if err != nil {
		return "", eris.Wrap(err, "sf: create account")
	}
	return id, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent
// injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
