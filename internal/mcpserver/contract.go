package mcpserver

// SharingURI is the resource URI of SharingGuide.
const SharingURI = "pagelink://sharing"

// SharingGuide explains page ids and the sharing flow to LLM clients.
const SharingGuide = `# Pagelink Page Sharing

A notebook is a folder of Markdown files. Pages can be shared with other
notebooks through a relay; every notebook keeps its own copy and edits merge.

## Page ids

- A page id is the file path relative to the vault, without ` + "`" + `.md` + "`" + `
  (e.g. ` + "`" + `notes/plan` + "`" + ` for ` + "`" + `notes/plan.md` + "`" + `).
- Use forward slashes. Ids are case sensitive.

## Sharing flow

1. ` + "`" + `share_page` + "`" + ` links a local page to a new relay page and returns its uuid.
   Calling it again for the same page returns the same uuid.
2. ` + "`" + `invite_notebook` + "`" + ` sends an invitation to another notebook by uuid.
3. The other notebook sees a ` + "`" + `SHARE_PAGE` + "`" + ` notification and accepts or rejects it.
4. From then on edits on either side are pushed automatically.

## Notifications

` + "`" + `list_notifications` + "`" + ` returns the inbox. Each entry has an ` + "`" + `operation` + "`" + `:

- ` + "`" + `SHARE_PAGE` + "`" + `: an invitation; buttons ` + "`" + `accept` + "`" + ` / ` + "`" + `reject` + "`" + `.
- ` + "`" + `SHARE_PAGE_RESPONSE` + "`" + `: another notebook answered your invitation.
- ` + "`" + `SHARE_PAGE_UPDATE` + "`" + `: a page's history diverged; buttons ` + "`" + `force push` + "`" + ` / ` + "`" + `resync` + "`" + `.
- ` + "`" + `REQUEST` + "`" + `: another notebook asks for data; buttons ` + "`" + `accept` + "`" + ` / ` + "`" + `reject` + "`" + `.

Notifications are answered by the user from the notebook UI.

## Links

Page text may contain ` + "`" + `[[wikilinks]]` + "`" + `. They are returned as annotations by
` + "`" + `read_page` + "`" + ` with ` + "`" + `start` + "`" + `/` + "`" + `end` + "`" + ` offsets into the content.
`
