package web

import (
	"errors"
	"github.com/XANi/ecos2mqtt/configflow"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/store"
	"github.com/gin-gonic/gin"
	"net/http"
	"time"
)

type entryStatus struct {
	EntryID           string    `json:"entry_id"`
	UniqueID          string    `json:"unique_id"`
	Title             string    `json:"title"`
	Host              string    `json:"host"`
	Loaded            bool      `json:"loaded"`
	LastUpdateSuccess bool      `json:"last_update_success"`
	LastUpdate        time.Time `json:"last_update,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

type sensorStatus struct {
	UniqueID    string   `json:"unique_id"`
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	DeviceClass string   `json:"device_class"`
	Unit        string   `json:"unit"`
	Available   bool     `json:"available"`
	Value       *float64 `json:"value"`
}

func (b *WebBackend) entries() ([]entryStatus, error) {
	entries, err := b.cfg.Store.List()
	if err != nil {
		return nil, err
	}
	out := make([]entryStatus, 0, len(entries))
	for _, e := range entries {
		st := entryStatus{
			EntryID:  e.EntryID,
			UniqueID: e.UniqueID,
			Title:    e.Title,
			Host:     e.Data.Host,
		}
		if rt, ok := b.cfg.Manager.Runtime(e.EntryID); ok {
			st.Loaded = true
			st.LastUpdateSuccess = rt.Coordinator.LastUpdateSuccess()
			st.LastUpdate = rt.Coordinator.LastUpdate()
			if err := rt.Coordinator.LastError(); err != nil {
				st.LastError = err.Error()
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (b *WebBackend) Index(c *gin.Context) {
	entries, err := b.entries()
	if err != nil {
		b.l.Errorf("error listing entries: %s", err)
		c.HTML(http.StatusInternalServerError, "error.tmpl", gin.H{"error": err.Error()})
		return
	}
	c.HTML(http.StatusOK, "index.tmpl", gin.H{
		"title":   "ECOS accounts",
		"entries": entries,
	})
}

func (b *WebBackend) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (b *WebBackend) SetupForm(c *gin.Context) {
	res, err := b.cfg.Flow.StepUser(c.Request.Context(), nil)
	if err != nil {
		c.HTML(http.StatusInternalServerError, "error.tmpl", gin.H{"error": err.Error()})
		return
	}
	b.renderFlow(c, res)
}

func (b *WebBackend) SetupSubmit(c *gin.Context) {
	values := map[string]interface{}{}
	if err := c.Request.ParseForm(); err != nil {
		c.HTML(http.StatusBadRequest, "error.tmpl", gin.H{"error": err.Error()})
		return
	}
	for k := range c.Request.PostForm {
		values[k] = c.Request.PostForm.Get(k)
	}
	input, err := configflow.ParseUserInput(values)
	if err != nil {
		c.HTML(http.StatusBadRequest, "error.tmpl", gin.H{"error": err.Error()})
		return
	}
	res, err := b.cfg.Flow.StepUser(c.Request.Context(), input)
	if err != nil {
		b.l.Errorf("config flow failed: %s", err)
		c.HTML(http.StatusInternalServerError, "error.tmpl", gin.H{"error": err.Error()})
		return
	}
	if res.Type == configflow.ResultCreateEntry {
		if err := b.cfg.Store.Add(*res.Entry); err != nil {
			b.l.Errorf("error saving entry: %s", err)
			c.HTML(http.StatusInternalServerError, "error.tmpl", gin.H{"error": err.Error()})
			return
		}
		// the entry is saved either way, a failed setup shows up on the overview
		if err := b.cfg.Manager.Setup(c.Request.Context(), *res.Entry); err != nil {
			b.l.Warnf("error setting up %s: %s", res.Entry.Title, err)
		}
	}
	b.renderFlow(c, res)
}

func (b *WebBackend) renderFlow(c *gin.Context, res configflow.Result) {
	status := http.StatusOK
	if res.Type == configflow.ResultForm && len(res.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	c.HTML(status, "setup.tmpl", gin.H{
		"title":  "Add ECOS account",
		"result": res,
	})
}

func (b *WebBackend) ListEntries(c *gin.Context) {
	entries, err := b.entries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (b *WebBackend) DeleteEntry(c *gin.Context) {
	id := c.Param("id")
	ok, err := b.cfg.Manager.UnloadEntry(c.Request.Context(), id)
	if err != nil && !errors.Is(err, integration.ErrNotLoaded) {
		b.l.Errorf("error unloading %s: %s", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := b.cfg.Store.Remove(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": id, "unloaded": ok})
}

func (b *WebBackend) ListSensors(c *gin.Context) {
	id := c.Param("id")
	if _, ok := b.cfg.Manager.Runtime(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": integration.ErrNotLoaded.Error()})
		return
	}
	entities := b.cfg.Sensors.Entities(id)
	out := make([]sensorStatus, 0, len(entities))
	for _, e := range entities {
		d := e.Description()
		out = append(out, sensorStatus{
			UniqueID:    e.UniqueID(),
			Key:         d.Key,
			Name:        d.Name,
			DeviceClass: string(d.DeviceClass),
			Unit:        d.Unit,
			Available:   e.Available(),
			Value:       e.NativeValue(),
		})
	}
	c.JSON(http.StatusOK, out)
}
