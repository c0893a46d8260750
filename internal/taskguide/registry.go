package taskguide

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/logging"
)

// Task ids of the built-in guides.
const (
	ChangeDir = "changeDir"
	FullAuth  = "fullAuth"
	WaitAll   = "waitAll"

	AuthStep1   = "authStep1"
	AuthStep1a  = "authStep1a"
	AuthStep2   = "authStep2"
	AuthStep3   = "authStep3"
	AuthRefresh = "authRefresh"
	AuthRevoke  = "authRevoke"

	DirListing       = "dirListing"
	FileUpload       = "fileUpload"
	FileDownload     = "fileDownload"
	FilePipeUpload   = "filePipeUpload"
	FilePipeDownload = "filePipeDownload"
	FileDelete       = "fileDelete"
	NewFolder        = "newFolder"
	RenameFile       = "renameFile"
	FileCopy         = "fileCopy"
	FileMove         = "fileMove"

	AgaveAppStart = "agaveAppStart"
	GetAgaveList  = "getAgaveList"
	GetJobList    = "getJobList"
	GetJobDetails = "getJobDetails"
	StopJob       = "stopJob"
	DeleteJob     = "deleteJob"

	CompressApp = "compress"
	ExtractApp  = "extract"
)

// Registry maps task ids to guides.
type Registry struct {
	guides map[string]*Guide
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{guides: make(map[string]*Guide)}
}

// Register adds g. Duplicate ids are logged and rejected.
func (r *Registry) Register(g *Guide) bool {
	if g == nil || g.ID == "" {
		return false
	}
	if _, ok := r.guides[g.ID]; ok {
		logging.Named("taskguide").Warn("duplicate task guide ignored", zap.String("task", g.ID))
		return false
	}
	r.guides[g.ID] = g
	return true
}

// Lookup returns the guide for id.
func (r *Registry) Lookup(id string) (*Guide, bool) {
	g, ok := r.guides[id]
	return g, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.guides))
	for id := range r.guides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered guides.
func (r *Registry) Len() int { return len(r.guides) }

// Defaults returns the built-in guides for a client name and storage system.
func Defaults(clientName, storage string) []*Guide {
	clientURL := fmt.Sprintf("/clients/v2/%s", clientName)
	listings := fmt.Sprintf("/files/v2/listings/system/%s/", storage)
	media := fmt.Sprintf("/files/v2/media/system/%s/", storage)

	return []*Guide{
		{ID: ChangeDir, Type: None},
		{ID: FullAuth, Type: None, Internal: true},
		{ID: WaitAll, Type: None, Internal: true},

		{ID: AuthStep1, Type: Get, URLSuffix: clientURL, Auth: AuthPassword, Internal: true},
		{ID: AuthStep1a, Type: Delete, URLSuffix: clientURL, Auth: AuthPassword, Internal: true},
		{
			ID: AuthStep2, Type: Post, URLSuffix: "/clients/v2/", Auth: AuthPassword, Internal: true,
			PostFormat: "clientName=%1&description=%2",
			PostVars:   []string{"clientName", "description"},
		},
		{
			ID: AuthStep3, Type: Post, URLSuffix: "/token", Auth: AuthClient, Internal: true, TokenFormat: true,
			PostFormat: "username=%1&password=%2&grant_type=password&scope=PRODUCTION",
			PostVars:   []string{"authUname", "authPass"},
		},
		{
			ID: AuthRefresh, Type: Post, URLSuffix: "/token", Auth: AuthClient, Internal: true, TokenFormat: true,
			PostFormat: "grant_type=refresh_token&scope=PRODUCTION&refresh_token=%1",
			PostVars:   []string{"token"},
		},
		{
			ID: AuthRevoke, Type: Post, URLSuffix: "/revoke", Auth: AuthClient, Internal: true,
			PostFormat: "token=%1",
			PostVars:   []string{"token"},
		},

		{ID: DirListing, Type: Get, URLSuffix: listings, URLFormat: "%1", URLVars: []string{"dirPath"}, Auth: AuthToken},
		{ID: FileUpload, Type: Upload, URLSuffix: media, URLFormat: "%1", URLVars: []string{"location"}, Auth: AuthToken},
		{ID: FileDownload, Type: Download, URLSuffix: media, URLFormat: "%1", URLVars: []string{"remoteName"}, Auth: AuthToken},
		{ID: FilePipeUpload, Type: PipeUpload, URLSuffix: media, URLFormat: "%1", URLVars: []string{"location"}, Auth: AuthToken},
		{ID: FilePipeDownload, Type: PipeDownload, URLSuffix: media, URLFormat: "%1", URLVars: []string{"remoteName"}, Auth: AuthToken},
		{ID: FileDelete, Type: Delete, URLSuffix: media, URLFormat: "%1", URLVars: []string{"toDelete"}, Auth: AuthToken},
		{
			ID: NewFolder, Type: Put, URLSuffix: media, URLFormat: "%1", URLVars: []string{"location"}, Auth: AuthToken,
			PostFormat: "action=mkdir&path=%1", PostVars: []string{"newName"},
		},
		{
			ID: RenameFile, Type: Put, URLSuffix: media, URLFormat: "%1", URLVars: []string{"fullName"}, Auth: AuthToken,
			PostFormat: "action=rename&path=%1", PostVars: []string{"newName"},
		},
		{
			ID: FileCopy, Type: Put, URLSuffix: media, URLFormat: "%1", URLVars: []string{"from"}, Auth: AuthToken,
			PostFormat: "action=copy&path=%1", PostVars: []string{"to"},
		},
		{
			ID: FileMove, Type: Put, URLSuffix: media, URLFormat: "%1", URLVars: []string{"from"}, Auth: AuthToken,
			PostFormat: "action=move&path=%1", PostVars: []string{"to"},
		},

		{ID: AgaveAppStart, Type: PipeUpload, URLSuffix: "/jobs/v2", Auth: AuthToken},
		{ID: GetAgaveList, Type: Get, URLSuffix: "/apps/v2", Auth: AuthToken},
		{ID: GetJobList, Type: Get, URLSuffix: "/jobs/v2", Auth: AuthToken},
		{ID: GetJobDetails, Type: Get, URLSuffix: "/jobs/v2/", URLFormat: "%1", URLVars: []string{"IDstr"}, Auth: AuthToken},
		{
			ID: StopJob, Type: Post, URLSuffix: "/jobs/v2/", URLFormat: "%1", URLVars: []string{"IDstr"}, Auth: AuthToken,
			PostFormat: "action=stop",
		},
		{ID: DeleteJob, Type: Delete, URLSuffix: "/jobs/v2/", URLFormat: "%1", URLVars: []string{"IDstr"}, Auth: AuthToken},
	}
}

// DefaultApps returns the app guides used for compress and extract.
func DefaultApps() []*Guide {
	return []*Guide{
		{
			ID: CompressApp, Type: App, Auth: AuthToken,
			App: &AppInfo{
				FullName:        "compress-0.1u1",
				WorkingDirParam: "directory",
				Params:          []string{"directory", "compression_type"},
			},
		},
		{
			ID: ExtractApp, Type: App, Auth: AuthToken,
			App: &AppInfo{
				FullName: "extract-0.1u1",
				Inputs:   []string{"inputFile"},
			},
		},
	}
}
