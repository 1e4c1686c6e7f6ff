package summary

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter serves the runs in store as JSON. PNG files under dir are served
// from /files/, matching the paths stored in image records.
func NewRouter(store *Store, dir string, log *zap.Logger) *mux.Router {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{store: store, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/runs", h.runs).Methods("GET")
	router.HandleFunc("/runs/{run}/tags", h.tags).Methods("GET")
	router.HandleFunc("/runs/{run}/scalars/{tag:.+}", h.scalars).Methods("GET")
	router.HandleFunc("/runs/{run}/images/{tag:.+}", h.images).Methods("GET")

	fileServer := http.FileServer(http.Dir(dir))
	router.PathPrefix("/files/").Handler(http.StripPrefix("/files/", fileServer)).Methods("GET")
	return router
}

type handler struct {
	store *Store
	log   *zap.Logger
}

// TagList is the response of /runs/{run}/tags
type TagList struct {
	Scalars []string `json:"scalars"`
	Images  []string `json:"images"`
}

func (h *handler) runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.Runs()
	if err != nil {
		h.fail(w, err)
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	h.json(w, runs)
}

func (h *handler) tags(w http.ResponseWriter, r *http.Request) {
	run := mux.Vars(r)["run"]
	scalars, err := h.store.Tags(run)
	if err != nil {
		h.fail(w, err)
		return
	}
	images, err := h.store.ImageTags(run)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(scalars) == 0 && len(images) == 0 {
		http.Error(w, "no such run", http.StatusNotFound)
		return
	}
	h.json(w, TagList{Scalars: scalars, Images: images})
}

func (h *handler) scalars(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scalars, err := h.store.Scalars(vars["run"], vars["tag"])
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(scalars) == 0 {
		http.Error(w, "no such tag", http.StatusNotFound)
		return
	}
	h.json(w, scalars)
}

func (h *handler) images(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	images, err := h.store.Images(vars["run"], vars["tag"])
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(images) == 0 {
		http.Error(w, "no such tag", http.StatusNotFound)
		return
	}
	h.json(w, images)
}

func (h *handler) json(w http.ResponseWriter, x interface{}) {
	bytes, err := json.Marshal(x)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	h.log.Error("request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
