package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

var rasterExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
}

// IsFITSFile reports whether path has a FITS extension.
func IsFITSFile(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile reports whether path is a FITS file or a raster the QA layer reads.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := fitsExts[ext]; ok {
		return true
	}
	_, ok := rasterExts[ext]
	return ok
}

// ListFITS returns all FITS files under root, sorted. A file root is
// returned as is when it is a FITS file.
func ListFITS(root string) ([]string, error) {
	return list(root, IsFITSFile)
}

// ListImages returns FITS and raster files under root, sorted.
func ListImages(root string) ([]string, error) {
	return list(root, IsImageFile)
}

func list(root string, keep func(string) bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if keep(root) {
			return []string{root}, nil
		}
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if keep(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// File is one frame found by Scan.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Dir summarises the frames of one directory, typically one night or one target.
type Dir struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

// ScanResult lists the frames under a root grouped by directory.
type ScanResult struct {
	Files []File `json:"files"`
	Dirs  []Dir  `json:"dirs"`
	Bytes int64  `json:"bytes"`
}

// Scan walks root for FITS files and groups them by parent directory.
func Scan(root string) (ScanResult, error) {
	paths, err := ListFITS(root)
	if err != nil {
		return ScanResult{}, err
	}
	var res ScanResult
	byDir := map[string]*Dir{}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, File{Path: p, Size: info.Size()})
		res.Bytes += info.Size()

		dir := filepath.Dir(p)
		d, ok := byDir[dir]
		if !ok {
			d = &Dir{Path: dir}
			byDir[dir] = d
		}
		d.Count++
		d.Bytes += info.Size()
	}
	for _, d := range byDir {
		res.Dirs = append(res.Dirs, *d)
	}
	sort.Slice(res.Dirs, func(i, j int) bool { return res.Dirs[i].Path < res.Dirs[j].Path })
	return res, nil
}
