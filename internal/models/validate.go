package models

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

var (
	pageIDRules = []validation.Rule{validation.Required, validation.Length(1, 512)}
	uuidRules   = []validation.Rule{validation.Required, validation.Match(uuidPattern)}
)

func (r *InitSharedPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.State, validation.Required),
		validation.Field(&r.Title, validation.Length(0, 512)),
	)
}

func (r *JoinSharedPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PageUUID, uuidRules...),
		validation.Field(&r.NotebookPageID, pageIDRules...),
	)
}

func (r *RevertPageJoinRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
	)
}

func (r *UpdateSharedPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.State, validation.When(len(r.Changes) == 0, validation.Required)),
	)
}

func (r *ForcePushPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.State, validation.Required),
	)
}

func (r *RequestPageUpdateRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.Target, uuidRules...),
	)
}

func (r *PageUpdateResponseRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.Target, uuidRules...),
		validation.Field(&r.Changes, validation.Required),
	)
}

func (r *InviteNotebookToPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.TargetNotebookUUID, uuidRules...),
	)
}

func (r *RemovePageInviteRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PageUUID, uuidRules...),
		validation.Field(&r.TargetNotebookUUID, validation.Match(uuidPattern)),
	)
}

func (r *ListPageNotebooksRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
	)
}

func (r *DisconnectSharedPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
	)
}

func (r *SavePageVersionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
		validation.Field(&r.State, validation.Required),
	)
}

func (r *GetSharedPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, validation.Required.When(r.PageUUID == ""), validation.Length(0, 512)),
		validation.Field(&r.PageUUID, validation.Match(uuidPattern)),
	)
}

func (r *LinkDifferentPageRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.OldNotebookPageID, pageIDRules...),
		validation.Field(&r.NewNotebookPageID, pageIDRules...),
	)
}

func (r *GetPageHistoryRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.NotebookPageID, pageIDRules...),
	)
}

func (r *NotebookRequestRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Target, uuidRules...),
		validation.Field(&r.Request, validation.Required),
		validation.Field(&r.Label, validation.Length(0, 256)),
	)
}

func (r *NotebookResponseRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Requester, uuidRules...),
		validation.Field(&r.Request, validation.Required),
	)
}
