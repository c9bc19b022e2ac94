package config

// World 描述一个游戏服务器（世界）。
type World struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Datacenter 描述一个大区及其下属世界。
type Datacenter struct {
	Name   string  `json:"name"`
	Region string  `json:"region"`
	Worlds []World `json:"worlds"`
}

// datacenters 内置的大区/世界目录。
//
// 上游的大区接口按大区名查询，返回结果中只携带 worldID，
// 这里的映射用于把 worldID 还原成展示用的世界名。
var datacenters = []Datacenter{
	{
		Name:   "陸行鳥",
		Region: "繁體中文版",
		Worlds: []World{
			{ID: 4028, Name: "紅玉海"},
			{ID: 4029, Name: "神意之地"},
			{ID: 4030, Name: "拉諾西亞"},
			{ID: 4031, Name: "幻影群島"},
			{ID: 4032, Name: "萌芽池"},
			{ID: 4033, Name: "宇宙和音"},
			{ID: 4034, Name: "沃仙曦染"},
			{ID: 4035, Name: "晨曦王座"},
		},
	},
}

// DatacenterByName 按名称查找大区。
func DatacenterByName(name string) (Datacenter, bool) {
	for _, dc := range datacenters {
		if dc.Name == name {
			return dc, true
		}
	}
	return Datacenter{}, false
}

// ResolveWorld 把 worldID 解析为世界名，未知 ID 返回空串与 false。
func ResolveWorld(worldID int) (string, bool) {
	for _, dc := range datacenters {
		for _, w := range dc.Worlds {
			if w.ID == worldID {
				return w.Name, true
			}
		}
	}
	return "", false
}

// WorldIDs 返回指定大区的全部世界 ID，未知大区返回 nil。
func WorldIDs(datacenter string) []int {
	dc, ok := DatacenterByName(datacenter)
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(dc.Worlds))
	for _, w := range dc.Worlds {
		ids = append(ids, w.ID)
	}
	return ids
}
