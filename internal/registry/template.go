package registry

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/pkg/notion"
)

// LoadTemplateRegistry queries the Notion template database for all
// active query templates and returns them as model.QueryTemplate values.
func LoadTemplateRegistry(ctx context.Context, client notion.Client, dbID string) ([]model.QueryTemplate, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status: &notionapi.StatusFilterCondition{
				Equals: "Active",
			},
		},
	}

	pages, err := notion.QueryAll(ctx, client, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load template registry")
	}

	var templates []model.QueryTemplate
	for _, p := range pages {
		t, err := parseTemplatePage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed template page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		templates = append(templates, t)
	}

	return templates, nil
}

func parseTemplatePage(p notionapi.Page) (model.QueryTemplate, error) {
	t := model.QueryTemplate{
		ID: string(p.ID),
	}

	// Template (title)
	if prop, ok := p.Properties["Template"]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			t.Text = plainText(tp.Title)
		}
	}

	// Phase (select)
	if prop, ok := p.Properties["Phase"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			t.Phase = model.JourneyPhase(sp.Select.Name)
		}
	}

	// Intent (select, optional override of the phase default)
	if prop, ok := p.Properties["Intent"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok {
			t.Intent = model.Intent(sp.Select.Name)
		}
	}

	// Status (status)
	if prop, ok := p.Properties["Status"]; ok {
		if sp, ok := prop.(*notionapi.StatusProperty); ok {
			t.Status = sp.Status.Name
		}
	}

	if t.Text == "" {
		return t, eris.New("missing Template property")
	}
	if _, ok := model.CanonicalPhase(string(t.Phase)); !ok {
		return t, eris.Errorf("unknown phase %q", t.Phase)
	}

	return t, nil
}

// plainText concatenates the plain_text values from a slice of RichText.
func plainText(rts []notionapi.RichText) string {
	var s string
	for _, rt := range rts {
		s += rt.PlainText
	}
	return s
}
